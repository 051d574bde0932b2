package bench

import (
	"fmt"
	"strings"
)

// ModeKind identifies the fan-out shape of a DispatchMode.
type ModeKind string

const (
	ModeSingleAccount ModeKind = "single-account"
	ModeMultiAccount  ModeKind = "multi-account"
)

// DispatchMode is a tagged variant: either one account repeated RepeatCount
// times, or one call per account in an ordered list. Build it with
// SingleAccount or MultiAccount.
type DispatchMode struct {
	kind        ModeKind
	accountID   string
	repeatCount int
	accountIDs  []string
}

// SingleAccount issues repeatCount concurrent calls from one account.
func SingleAccount(accountID string, repeatCount int) DispatchMode {
	return DispatchMode{kind: ModeSingleAccount, accountID: accountID, repeatCount: repeatCount}
}

// MultiAccount issues exactly one concurrent call per account, in order.
func MultiAccount(accountIDs ...string) DispatchMode {
	ids := make([]string, len(accountIDs))
	copy(ids, accountIDs)
	return DispatchMode{kind: ModeMultiAccount, accountIDs: ids}
}

// Kind returns the variant tag.
func (m DispatchMode) Kind() ModeKind {
	return m.kind
}

// Size returns the number of calls the mode issues.
func (m DispatchMode) Size() int {
	switch m.kind {
	case ModeSingleAccount:
		return max(m.repeatCount, 0)
	case ModeMultiAccount:
		return len(m.accountIDs)
	}
	return 0
}

// AccountIDs returns the accounts referenced by the mode, in order.
// A single-account mode returns its one account.
func (m DispatchMode) AccountIDs() []string {
	switch m.kind {
	case ModeSingleAccount:
		return []string{m.accountID}
	case ModeMultiAccount:
		ids := make([]string, len(m.accountIDs))
		copy(ids, m.accountIDs)
		return ids
	}
	return nil
}

// Validate checks the mode can produce a batch.
func (m DispatchMode) Validate() error {
	switch m.kind {
	case ModeSingleAccount:
		if m.accountID == "" {
			return fmt.Errorf("%w: single-account mode has no account", ErrMalformedDispatchMode)
		}
		if m.repeatCount <= 0 {
			return fmt.Errorf("%w: repeat count must be positive, got %d", ErrMalformedDispatchMode, m.repeatCount)
		}
	case ModeMultiAccount:
		if len(m.accountIDs) == 0 {
			return fmt.Errorf("%w: multi-account mode has no accounts", ErrMalformedDispatchMode)
		}
		for i, id := range m.accountIDs {
			if id == "" {
				return fmt.Errorf("%w: empty account id at position %d", ErrMalformedDispatchMode, i)
			}
		}
	default:
		return fmt.Errorf("%w: unset dispatch mode", ErrMalformedDispatchMode)
	}
	return nil
}

// targets resolves the account for every batch index.
func (m DispatchMode) targets() ([]string, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.kind == ModeMultiAccount {
		return m.AccountIDs(), nil
	}
	ids := make([]string, m.repeatCount)
	for i := range ids {
		ids[i] = m.accountID
	}
	return ids, nil
}

func (m DispatchMode) String() string {
	switch m.kind {
	case ModeSingleAccount:
		return fmt.Sprintf("single account %s x%d", m.accountID, m.repeatCount)
	case ModeMultiAccount:
		return fmt.Sprintf("multiple accounts (%d)", len(m.accountIDs))
	}
	return "unset"
}

// MethodWords splits a camelCase method name into lower-case words,
// e.g. "incrementCounter" -> "increment counter".
func MethodWords(method string) string {
	var b strings.Builder
	runes := []rune(method)
	for i, r := range runes {
		if i > 0 && isUpper(r) && isLower(runes[i-1]) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(strings.ReplaceAll(b.String(), "_", " "))
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
