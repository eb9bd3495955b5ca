// Command adminctl performs operator tasks that cannot go through the admin
// API: creating the first super_admin and minting sessions for local work.
package main

import "os"

func main() {
	if err := newRootCmd(wireApp).Execute(); err != nil {
		os.Exit(1)
	}
}
