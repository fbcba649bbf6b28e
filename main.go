// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/apex-lang/apex/cmd/apex"

func main() {
	cmd.Execute()
}
