//go:build unix

package exec

import "golang.org/x/sys/unix"

func execve(bin string, argv, env []string) error {
	return unix.Exec(bin, argv, env)
}
