package statement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/creditaccount/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	dateLayout   = "2006-01-02"
	expiringDays = 30
)

var ErrInvalidPeriod = errors.New("invalid_statement_period")

// Statement is the data behind one rendered credit statement.
type Statement struct {
	UserID      string
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	Balance     creditdomain.Buckets
	Expiring    *creditdomain.ExpiringCredits
	Entries     []ledgerdomain.Response
	Credited    decimal.Decimal
	Debited     decimal.Decimal
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock `optional:"true"`
	Credits creditdomain.Service
	Ledger  ledgerdomain.Service
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	credits creditdomain.Service
	ledger  ledgerdomain.Service
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		log:     p.Log.Named("statement.service"),
		clock:   clk,
		credits: p.Credits,
		ledger:  p.Ledger,
	}
}

// Build collects balances, the expiring window and every entry created in [from, to).
func (s *Service) Build(ctx context.Context, userID string, from, to time.Time) (*Statement, error) {
	if !from.Before(to) {
		return nil, ErrInvalidPeriod
	}

	balance, err := s.credits.AvailableBalanceByBucket(ctx, userID)
	if err != nil {
		return nil, err
	}
	expiring, err := s.credits.ExpiringWithin(ctx, userID, expiringDays)
	if err != nil {
		return nil, err
	}

	stmt := &Statement{
		UserID:      strings.TrimSpace(userID),
		From:        from.UTC(),
		To:          to.UTC(),
		GeneratedAt: s.clock.Now().UTC(),
		Balance:     balance,
		Expiring:    expiring,
		Credited:    decimal.Zero,
		Debited:     decimal.Zero,
	}

	token := ""
	for {
		page, err := s.ledger.List(ctx, ledgerdomain.ListRequest{
			UserID:     userID,
			From:       &stmt.From,
			To:         &stmt.To,
			Pagination: pagination.Pagination{PageToken: token, PageSize: pagination.MaxPageSize},
		})
		if err != nil {
			return nil, err
		}
		stmt.Entries = append(stmt.Entries, page.Entries...)
		if !page.PageInfo.HasMore || page.PageInfo.NextPageToken == "" {
			break
		}
		token = page.PageInfo.NextPageToken
	}

	// List pages newest first; statements read oldest first.
	for i, j := 0, len(stmt.Entries)-1; i < j; i, j = i+1, j-1 {
		stmt.Entries[i], stmt.Entries[j] = stmt.Entries[j], stmt.Entries[i]
	}
	for _, e := range stmt.Entries {
		if e.Amount.IsPositive() {
			stmt.Credited = stmt.Credited.Add(e.Amount)
		} else {
			stmt.Debited = stmt.Debited.Add(e.Amount.Neg())
		}
	}
	return stmt, nil
}

// Render builds the statement and lays it out as a PDF.
func (s *Service) Render(ctx context.Context, userID string, from, to time.Time) (io.Reader, error) {
	stmt, err := s.Build(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	doc, err := renderPDF(stmt)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("failed to render statement", zap.String("user_id", stmt.UserID), zap.Error(err))
		return nil, err
	}
	return doc, nil
}

func renderPDF(stmt *Statement) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Credit statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Generated "+stmt.GeneratedAt.Format(dateLayout), props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(15,
		col.New(6).Add(
			text.New("User: "+stmt.UserID, props.Text{Top: 0}),
			text.New(fmt.Sprintf("Period: %s to %s", stmt.From.Format(dateLayout), stmt.To.Format(dateLayout)), props.Text{Top: 5}),
		),
		col.New(6),
	)

	// Balance
	m.AddRow(10, text.NewCol(12, "Available balance", props.Text{Size: 12, Style: fontstyle.Bold}))
	m.AddRow(8,
		text.NewCol(8, "Subscription", props.Text{Size: 9}),
		text.NewCol(4, amount(stmt.Balance.Subscription), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		text.NewCol(8, "Pay-as-you-go", props.Text{Size: 9}),
		text.NewCol(4, amount(stmt.Balance.PayAsYouGo), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		text.NewCol(8, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(4, amount(stmt.Balance.Total), props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	if stmt.Expiring != nil && stmt.Expiring.GrantCount > 0 {
		m.AddRow(12, text.NewCol(12, fmt.Sprintf("Expiring in the next %d days", stmt.Expiring.Days), props.Text{Size: 12, Style: fontstyle.Bold, Top: 4}))
		for _, day := range stmt.Expiring.ByDate {
			m.AddRow(8,
				text.NewCol(8, day.Date, props.Text{Size: 9}),
				text.NewCol(4, amount(day.Remaining), props.Text{Size: 9, Align: align.Right}),
			)
		}
	}

	// Entries
	m.AddRow(12, text.NewCol(12, "Activity", props.Text{Size: 12, Style: fontstyle.Bold, Top: 4}))
	m.AddRow(10,
		text.NewCol(2, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(5, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Type", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	if len(stmt.Entries) == 0 {
		m.AddRow(8, text.NewCol(12, "No activity in this period.", props.Text{Size: 9}))
	}
	for _, e := range stmt.Entries {
		m.AddRow(8,
			text.NewCol(2, e.CreatedAt.UTC().Format(dateLayout), props.Text{Size: 8}),
			text.NewCol(5, e.Description, props.Text{Size: 8}),
			text.NewCol(3, string(e.SourceType), props.Text{Size: 8}),
			text.NewCol(2, amount(e.Amount), props.Text{Size: 8, Align: align.Right}),
		)
	}

	// Footer Totals
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Credited", props.Text{Size: 9}),
		text.NewCol(2, amount(stmt.Credited), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Debited", props.Text{Size: 9}),
		text.NewCol(2, amount(stmt.Debited), props.Text{Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}

func amount(v decimal.Decimal) string {
	return v.StringFixed(ledgerdomain.Scale)
}
