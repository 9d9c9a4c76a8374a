// Command tpcd runs the two-phase commit coordinator and its operator tools.
package main

import "pkt.systems/psi"

func main() { psi.Run(submain) }
