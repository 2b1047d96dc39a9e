package fsutil

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultMountsFile is the kernel's view of this process's mount table.
const DefaultMountsFile = "/proc/self/mounts"

// mountPoints returns the decoded mount points listed in a mounts file.
func mountPoints(r io.Reader) ([]string, error) {
	var points []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		points = append(points, unescapeOctal(fields[1]))
	}
	return points, scanner.Err()
}

// unescapeOctal decodes the \040-style escapes the kernel uses for blanks,
// tabs, newlines and backslashes in mount table fields.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func containsMountPoint(points []string, mountPoint string) bool {
	want := filepath.Clean(mountPoint)
	for _, p := range points {
		if p == want {
			return true
		}
	}
	return false
}
