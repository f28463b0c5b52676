//go:build !unix

package exec

import "errors"

func execve(string, []string, []string) error {
	return errors.New("process replacement requires a unix platform")
}
