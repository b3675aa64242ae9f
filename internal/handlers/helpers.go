package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds size limit")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var moneyPrinter = message.NewPrinter(language.AmericanEnglish)

// formatMoney renders a dollar amount with grouping separators for display
// fields, e.g. 1234.5 -> "$1,234.50". Cents are rounded half away from zero
// before formatting; the formatter itself rounds half to even.
func formatMoney(amount float64) string {
	rounded := math.Round(amount*100) / 100
	return moneyPrinter.Sprintf("$%v", number.Decimal(rounded,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}
