package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ruteri/tpm-vault/interfaces"
	"golang.org/x/term"
)

// confirmWipe asks for the literal "yes". Without a terminal on the other end
// nobody can answer, so it refuses rather than reading stray input.
func confirmWipe(in io.Reader, out io.Writer, interactive bool, name string) (bool, error) {
	if !interactive {
		return false, fmt.Errorf("refusing to wipe %q without a terminal, pass --yes: %w", name, interfaces.ErrInvalidInput)
	}

	fmt.Fprintf(out, "Wiping %q destroys its sealed key. The data can never be recovered.\n", name)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimRight(line, "\r\n") == "yes", nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
