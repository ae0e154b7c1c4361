package dssat

import "github.com/effective-security/dssatmcp/tools"

var exampleComments = []string{
	"Brachiaria experiment",
	"Wheat experiment",
	"Unspecified crop",
}

func examples(args ...map[string]any) []tools.Example {
	list := make([]tools.Example, len(args))
	for i, a := range args {
		list[i] = tools.Example{
			Comment:   exampleComments[i],
			Arguments: a,
		}
	}
	return list
}
