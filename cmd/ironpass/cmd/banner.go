package cmd

import (
	"io"

	"github.com/fatih/color"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
  _____                 _____
 |_   _|               |  __ \
   | |  _ __ ___  _ __ | |__) |_ _ ___ ___
   | | | '__/ _ \| '_ \|  ___/ _` + "`" + ` / __/ __|
  _| |_| | | (_) | | | | |  | (_| \__ \__ \
 |_____|_|  \___/|_| |_|_|   \__,_|___/___/

`

func printBanner(w io.Writer) {
	color.New(color.FgBlue).Fprint(w, banner)
	color.New(color.FgGreen).Fprintf(w, "  Sync authority (dev) %s\n\n", Version)
}
