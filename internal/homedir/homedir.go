// Package homedir locates the current user's home directory, used
// for the default ledger and archive paths.
package homedir

import (
	"os"
	"os/user"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}
