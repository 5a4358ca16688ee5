package detector

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// envFiles are checked in priority order, most specific first.
var envFiles = []string{
	".env.development.local",
	".env.local",
	".env.development",
	".env",
}

var portKeys = []string{"PORT", "DEV_PORT", "VITE_PORT"}

// ReadEnvPort returns the port declared in the project's env files, and the
// file that declared it. Zero means no usable declaration.
func ReadEnvPort(dir string) (int, string) {
	for _, name := range envFiles {
		values := readEnvFile(filepath.Join(dir, name))
		for _, key := range portKeys {
			raw, found := values[key]
			if !found {
				continue
			}
			port, parseError := strconv.Atoi(raw)
			if parseError != nil || port < 1 || port > 65535 {
				continue
			}
			return port, name
		}
	}
	return 0, ""
}

func readEnvFile(path string) map[string]string {
	values := map[string]string{}
	file, openError := os.Open(path)
	if openError != nil {
		return values
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if key != "" {
			values[key] = value
		}
	}
	return values
}
