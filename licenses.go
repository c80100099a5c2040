package main

import (
	_ "embed"
	"os"
)

//go:embed LICENSE.MIT
var licenseMIT []byte

func cmdLicenses(c *cmd) {
	c.help = `Print the license of the moxmime source code.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, err := os.Stdout.Write(licenseMIT)
	xcheckf(err, "write")
}
