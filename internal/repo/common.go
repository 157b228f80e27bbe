package repo

import (
	"fmt"
	"strings"
)

// inClauseQuery expands a %s placeholder in query into a positional
// $1,$2,... list sized to ids, returning the finished query and the
// args slice to pass alongside it.
func inClauseQuery(query string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf(query, strings.Join(placeholders, ",")), args
}
