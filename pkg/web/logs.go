package web

import (
	"bytes"
	"strings"
)

// Write feeds log output into the dashboard log stream, one entry per line.
// Register the Server with log.Attach.
func (s *Server) Write(p []byte) (int, error) {
	s.logsMu.Lock()
	s.partial = append(s.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(s.partial[:i]))
		s.partial = s.partial[i+1:]
	}
	s.logsMu.Unlock()

	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			s.AddLog(levelOf(line), line)
		}
	}
	return len(p), nil
}

// levelOf picks the level out of a text or JSON slog line.
func levelOf(line string) string {
	for _, lvl := range []string{"ERROR", "WARN", "DEBUG"} {
		if strings.Contains(line, "level="+lvl) || strings.Contains(line, `"level":"`+lvl+`"`) {
			return strings.ToLower(lvl)
		}
	}
	return "info"
}
