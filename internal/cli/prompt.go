package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// Confirm asks a yes/no question. Anything but y or yes, including a read
// error, is a no.
func Confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s (y/N): ", question)

	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		log.Warn().Err(err).Msg("Failed to read input, assuming no")
		return false
	}

	input = strings.TrimSpace(strings.ToLower(input))
	return input == "y" || input == "yes"
}

// PromptForSubject asks which subject a file is. An empty answer returns
// ok=false so the caller can skip the file.
func PromptForSubject(reader *bufio.Reader, out io.Writer, fileName string) (subject string, ok bool) {
	fmt.Fprintf(out, "Subject for %s (math/english/chinese, blank to skip): ", fileName)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return "", false
	}
	input = strings.TrimSpace(input)
	return input, input != ""
}

// PromptForPaths asks for files or directories to upload, separated by
// spaces. Returns nil if the user enters nothing.
func PromptForPaths(in io.Reader, out io.Writer) []string {
	fmt.Fprint(out, "Homework files or directories: ")

	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		log.Warn().Err(err).Msg("Failed to read input")
		return nil
	}
	return strings.Fields(input)
}
