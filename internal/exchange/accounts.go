package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrAccountNotFound = errors.New("account not found")

// ResolveAccounts maps each requested currency to its account id.
func ResolveAccounts(ctx context.Context, client Client, currencies ...string) (map[string]string, error) {
	accounts, err := client.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	byCurrency := make(map[string]string, len(accounts))
	for _, a := range accounts {
		currency := strings.ToUpper(a.Currency)
		if _, ok := byCurrency[currency]; !ok {
			byCurrency[currency] = a.ID
		}
	}

	resolved := make(map[string]string, len(currencies))
	var missing []error
	for _, c := range currencies {
		c = strings.ToUpper(c)
		id, ok := byCurrency[c]
		if !ok {
			missing = append(missing, fmt.Errorf("%s: %w", c, ErrAccountNotFound))
			continue
		}
		resolved[c] = id
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	return resolved, nil
}
