package mirror

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"keyward/internal/config"
)

// sheetsClient is the narrow slice of the Sheets API the mirror uses.
type sheetsClient interface {
	Get(ctx context.Context, readRange string) ([][]interface{}, error)
	Update(ctx context.Context, writeRange string, values [][]interface{}) error
	Append(ctx context.Context, writeRange string, values [][]interface{}) error
}

// googleSheets implements sheetsClient against the real Sheets API.
type googleSheets struct {
	svc           *sheets.Service
	spreadsheetID string
}

func newGoogleSheets(ctx context.Context, cfg config.MirrorConfig) (sheetsClient, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("credentials_file is required when the mirror is enabled")
	}

	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, err
	}

	return &googleSheets{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
	}, nil
}

func (g *googleSheets) Get(ctx context.Context, readRange string) ([][]interface{}, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (g *googleSheets) Update(ctx context.Context, writeRange string, values [][]interface{}) error {
	valueRange := &sheets.ValueRange{Values: values}
	_, err := g.svc.Spreadsheets.Values.Update(g.spreadsheetID, writeRange, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

func (g *googleSheets) Append(ctx context.Context, writeRange string, values [][]interface{}) error {
	valueRange := &sheets.ValueRange{Values: values}
	_, err := g.svc.Spreadsheets.Values.Append(g.spreadsheetID, writeRange, valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}
