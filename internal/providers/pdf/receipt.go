package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrIncompleteReceipt = errors.New("incomplete_receipt")

// ReceiptData is the proof of delivery for one event accepted by the
// authority.
type ReceiptData struct {
	EventID       string
	EventType     string
	EventCode     string
	CompanyID     string
	SubjectID     string
	ReferenceDate string
	ProtocolID    string
	ReceiptID     string
	SettledAt     string
	Environment   string
}

func (r ReceiptData) validate() error {
	if strings.TrimSpace(r.EventID) == "" || strings.TrimSpace(r.ProtocolID) == "" || strings.TrimSpace(r.ReceiptID) == "" {
		return ErrIncompleteReceipt
	}
	return nil
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) (io.Reader, error) {
	if err := receipt.validate(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "eSocial transmission receipt", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, receipt.Environment, props.Text{
			Size:  9,
			Align: align.Right,
			Top:   4,
		}),
	)
	m.AddRow(4, line.NewCol(12))

	m.AddRow(30,
		col.New(6).Add(
			text.New("Employer", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.CompanyID, props.Text{Top: 5}),
			text.New("Worker", props.Text{Style: fontstyle.Bold, Top: 14}),
			text.New(receipt.SubjectID, props.Text{Top: 19}),
		),
		col.New(6).Add(
			text.New("Event", props.Text{Style: fontstyle.Bold}),
			text.New(strings.TrimSpace(receipt.EventCode+" "+receipt.EventType), props.Text{Top: 5}),
			text.New("Reference date", props.Text{Style: fontstyle.Bold, Top: 14}),
			text.New(receipt.ReferenceDate, props.Text{Top: 19}),
		),
	)

	rows := [][2]string{
		{"Event id", receipt.EventID},
		{"Protocol", receipt.ProtocolID},
		{"Receipt number", receipt.ReceiptID},
		{"Settled at", receipt.SettledAt},
	}
	for _, row := range rows {
		m.AddRow(8,
			text.NewCol(4, row[0], props.Text{Style: fontstyle.Bold, Size: 9}),
			text.NewCol(8, row[1], props.Text{Size: 9}),
		)
	}

	m.AddRow(20,
		text.NewCol(12, "The receipt number above is the authority's acknowledgement that the event was accepted. Keep it with the employer's records.", props.Text{
			Size: 8,
			Top:  8,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
