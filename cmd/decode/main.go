// Command decode runs decoder stacks over logic captures stored as WAV files.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
