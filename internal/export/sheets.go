package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/salemetry/salemetry/internal/model"
)

// sheetHeaders are the spreadsheet column titles, in the same order the
// metric catalog exports. The sheet is read by the sales team, so the
// titles stay in Russian.
var sheetHeaders = []string{
	"Дата",
	"Менеджер",
	"К-во диалогов всего за день",
	"К-во новых клиентов",
	"К-во активных клиентов",
	"К-во новичков написало",
	"К-во новичков купило",
	"К-во разослано сообщений о продлении",
	"К-во клиентов продлило",
	"К-во отказов",
	"К-во смс старичкам без ответа",
	"К-во выдано бонусов",
	"К-во получено отзывов за день от клиентов",
	"Фактическая выручка за день",
	"Фактическая выручка по новичкам",
	"Мпстатс",
	"Вайлдберрис",
	"Маркетгуру",
	"Маниплейс",
	"Мпстатс+Маркетгуру",
	"Мпстатс+Вайлдберрис",
	"Мпстатс+Маниплейс",
}

// SheetsSink appends snapshot rows to a Google Sheets worksheet through
// the values API. Authentication is a bearer token supplied by the
// environment; token refresh is outside this adapter's contract.
type SheetsSink struct {
	baseURL    string
	sheetID    string
	sheetName  string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSheetsSink creates a sink for one spreadsheet and worksheet.
func NewSheetsSink(sheetID, sheetName, token string, logger *slog.Logger) *SheetsSink {
	return &SheetsSink{
		baseURL:    "https://sheets.googleapis.com",
		sheetID:    sheetID,
		sheetName:  sheetName,
		token:      token,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type valueRange struct {
	Values [][]any `json:"values"`
}

type sheetsError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Export appends one row for the snapshot. The row layout matches
// sheetHeaders; re-exports of the same (manager, date) append a superseding
// row, and the sheet-side report keys on the latest row per pair.
func (s *SheetsSink) Export(ctx context.Context, snap Snapshot) error {
	row := make([]any, 0, len(sheetHeaders))
	row = append(row, snap.Date.Format("2006-01-02"), snap.ManagerName)
	for _, name := range model.MetricNames() {
		row = append(row, snap.Totals[name])
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED",
		s.baseURL, url.PathEscape(s.sheetID), url.PathEscape(s.sheetName))
	if err := s.post(ctx, endpoint, valueRange{Values: [][]any{row}}); err != nil {
		return err
	}

	s.logger.Debug("sheets: row appended", "manager", snap.ManagerName, "date", snap.Date.Format("2006-01-02"))
	return nil
}

// EnsureHeader writes the title row. Safe to call on every startup: it
// overwrites the same cells with the same values.
func (s *SheetsSink) EnsureHeader(ctx context.Context) error {
	row := make([]any, len(sheetHeaders))
	for i, h := range sheetHeaders {
		row[i] = h
	}
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s!A1:V1?valueInputOption=RAW",
		s.baseURL, url.PathEscape(s.sheetID), url.PathEscape(s.sheetName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint,
		bytes.NewReader(mustJSON(valueRange{Values: [][]any{row}})))
	if err != nil {
		return fmt.Errorf("sheets: create header request: %w", err)
	}
	return s.do(req)
}

func (s *SheetsSink) post(ctx context.Context, endpoint string, body any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(mustJSON(body)))
	if err != nil {
		return fmt.Errorf("sheets: create request: %w", err)
	}
	return s.do(req)
}

func (s *SheetsSink) do(req *http.Request) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sheets: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sheets: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr sheetsError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("sheets: api error %s: %s", apiErr.Error.Status, apiErr.Error.Message)
		}
		return fmt.Errorf("sheets: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("sheets: marshal request: %v", err))
	}
	return b
}

// NoopSink discards snapshots. Used when no spreadsheet is configured.
type NoopSink struct{}

// Export does nothing.
func (NoopSink) Export(_ context.Context, _ Snapshot) error { return nil }
