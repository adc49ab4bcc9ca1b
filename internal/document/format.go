package document

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const codeFormat = "DOC-OS-%06d-V%03d"

var codePattern = regexp.MustCompile(`^DOC-OS-(\d{6,})-V(\d{3,})$`)

// FormatCode builds the public document code, e.g. DOC-OS-000042-V001.
func FormatCode(numero int64, version int) string {
	return fmt.Sprintf(codeFormat, numero, version)
}

// ParseCode splits a code into order numero and version.
func ParseCode(code string) (numero int64, version int, ok bool) {
	m := codePattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(code)))
	if m == nil {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	v, err := strconv.Atoi(m[2])
	if err != nil || v < 1 {
		return 0, 0, false
	}
	return n, v, true
}

// VerificationURL is where a reader validates the document.
func VerificationURL(frontendBase, id string) string {
	return strings.TrimRight(frontendBase, "/") + "/validar-documento/" + id
}

func formatNumero(n int64) string { return fmt.Sprintf("%06d", n) }

// formatDate prints a calendar date as stored, without zone conversion.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("02/01/2006")
}

func formatDateTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("02/01/2006 15:04")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
