// Package dummy fills a ledger with creators, sales and withdrawals, either
// read from a YAML fixture file or generated
package dummy

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var log = build.AddSubLogger("DMMY")

// Creator is a creator along with the activity to seed for them
type Creator struct {
	Email       string `yaml:"email"`
	DisplayName string `yaml:"displayName"`
	// Sales are net amounts, one completed order each
	Sales []int64 `yaml:"sales"`
	// Refunds are refunded amounts, matched against Sales by position
	Refunds []int64 `yaml:"refunds"`
	// Withdrawal is the amount of an open withdrawal request, if any
	Withdrawal   int64                    `yaml:"withdrawal"`
	PayoutMethod withdrawals.PayoutMethod `yaml:"payoutMethod"`
}

// Fixture is the content of a seed file
type Fixture struct {
	Creators []Creator `yaml:"creators"`
}

// Result counts what got seeded
type Result struct {
	Creators    int
	Entries     int
	Withdrawals int
}

// ParseFixture reads a fixture from YAML
func ParseFixture(raw []byte) (Fixture, error) {
	var fixture Fixture
	if err := yaml.UnmarshalStrict(raw, &fixture); err != nil {
		return Fixture{}, errors.Wrap(err, "invalid fixture")
	}
	for i, creator := range fixture.Creators {
		if creator.Email == "" {
			return Fixture{}, fmt.Errorf("creator %d in fixture has no email", i)
		}
		if len(creator.Refunds) > len(creator.Sales) {
			return Fixture{}, fmt.Errorf("creator %s has more refunds than sales", creator.Email)
		}
	}
	return fixture, nil
}

// LoadFixture reads a fixture from the given YAML file
func LoadFixture(path string) (Fixture, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return Fixture{}, errors.Wrapf(err, "could not read fixture %s", path)
	}
	return ParseFixture(raw)
}

const (
	minSales = 1
	maxSales = 15
)

// Generate makes up a fixture with the given amount of creators. Roughly
// half of them get an open withdrawal.
func Generate(count int) Fixture {
	methods := []withdrawals.PayoutMethod{
		withdrawals.BANK_TRANSFER, withdrawals.PAYPAL, withdrawals.MOBILE_MONEY,
	}

	fixture := Fixture{Creators: make([]Creator, count)}
	for i := range fixture.Creators {
		creator := Creator{
			Email:       gofakeit.Email(),
			DisplayName: gofakeit.Name(),
		}
		var total int64
		sales := gofakeit.Number(minSales, maxSales)
		for s := 0; s < sales; s++ {
			amount := int64(gofakeit.Number(100, 50000))
			creator.Sales = append(creator.Sales, amount)
			total += amount
		}
		// refund part of the first sale now and then
		if gofakeit.Number(0, 9) < 2 {
			refund := creator.Sales[0] / 2
			creator.Refunds = []int64{refund}
			total -= refund
		}
		if gofakeit.Bool() && total > 0 {
			creator.Withdrawal = int64(gofakeit.Number(1, int(total)))
			creator.PayoutMethod = methods[gofakeit.Number(0, len(methods)-1)]
		}
		fixture.Creators[i] = creator
	}
	return fixture
}

// Seed registers every creator in the fixture and replays their activity
// through the ledger, so the seeded data obeys the same rules as real data
func Seed(ctx context.Context, l *ledger.Ledger, fixture Fixture) (Result, error) {
	var result Result
	for _, c := range fixture.Creators {
		registered, err := l.RegisterCreator(ctx, creators.Creator{
			Email:       c.Email,
			DisplayName: c.DisplayName,
		})
		if err != nil {
			return result, errors.Wrapf(err, "could not register %s", c.Email)
		}
		result.Creators++

		orders := make([]string, len(c.Sales))
		for i, amount := range c.Sales {
			orders[i] = uuid.New().String()
			if _, err := l.RecordSale(ctx, ledger.OrderCompleted{
				OrderID:   orders[i],
				CreatorID: registered.ID,
				NetAmount: amount,
			}); err != nil {
				return result, errors.Wrapf(err, "could not record sale for %s", c.Email)
			}
			result.Entries++
		}

		for i, amount := range c.Refunds {
			if amount == 0 {
				continue
			}
			if _, err := l.RecordRefund(ctx, ledger.OrderRefunded{
				OrderID:   orders[i],
				CreatorID: registered.ID,
				Amount:    amount,
			}); err != nil {
				return result, errors.Wrapf(err, "could not record refund for %s", c.Email)
			}
			result.Entries++
		}

		if c.Withdrawal > 0 {
			method := c.PayoutMethod
			if method == "" {
				method = withdrawals.BANK_TRANSFER
			}
			request, err := l.RequestWithdrawal(ctx,
				withdrawals.Actor{ID: registered.ID, Role: withdrawals.RoleCreator},
				ledger.WithdrawalInput{
					CreatorID:    registered.ID,
					Amount:       c.Withdrawal,
					PayoutMethod: method,
					Note:         "seeded",
				})
			if err != nil {
				return result, errors.Wrapf(err, "could not request withdrawal for %s", c.Email)
			}
			result.Withdrawals++
			// the request holds the amount
			result.Entries++
			log.WithFields(logrus.Fields{
				"creatorId":    registered.ID,
				"withdrawalId": request.ID,
			}).Debug("Seeded withdrawal")
		}
	}

	log.WithFields(logrus.Fields{
		"creators":    result.Creators,
		"entries":     result.Entries,
		"withdrawals": result.Withdrawals,
	}).Info("Seeded ledger")
	return result, nil
}
