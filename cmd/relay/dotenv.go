// ABOUTME: Reads a .env file into the process environment at startup.
// ABOUTME: Existing variables win; the file only fills gaps.
package main

import (
	"bufio"
	"os"
	"strings"
)

// loadDotEnv sets variables from a KEY=VALUE file unless they are already
// present in the environment. Assembly tables reference credentials through
// ${VAR} expansion, so this is how keys stay out of the table itself.
// A missing file is not an error.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Values can contain '=': split on the first one only.
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}
