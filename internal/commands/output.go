package commands

import (
	"encoding/json"
	"fmt"
)

// printJSON writes v to stdout, compact unless --pretty is set.
func (a *app) printJSON(v any) error {
	var (
		data []byte
		err  error
	)
	if a.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}
