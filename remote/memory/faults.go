package memory

import "context"

// Op names an authority call for fault injection and call counting.
type Op string

const (
	OpRegisterAddress       Op = "RegisterAddress"
	OpFetchShares           Op = "FetchShares"
	OpCreateVault           Op = "CreateVault"
	OpUpdateVault           Op = "UpdateVault"
	OpDeleteVault           Op = "DeleteVault"
	OpMarkPrimary           Op = "MarkPrimary"
	OpFetchWrappedKey       Op = "FetchWrappedKey"
	OpFetchItems            Op = "FetchItems"
	OpSubmitItem            Op = "SubmitItem"
	OpSetItemState          Op = "SetItemState"
	OpDeleteItems           Op = "DeleteItems"
	OpMigrateItem           Op = "MigrateItem"
	OpFetchLatestEventToken Op = "FetchLatestEventToken"
	OpFetchEvents           Op = "FetchEvents"
)

// FailNext makes the next call to op return err without touching state.
// Queued failures are consumed in order.
func (a *Authority) FailNext(op Op, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[op] = append(a.fail[op], err)
}

// Calls returns how many times op was called.
func (a *Authority) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Hold blocks every call to op until the returned release func runs or the
// caller's context ends.
func (a *Authority) Hold(op Op) (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.holds[op] = ch
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.holds[op] == ch {
			delete(a.holds, op)
			close(ch)
		}
	}
}

// enter counts the call, waits on a hold and returns an injected failure.
func (a *Authority) enter(ctx context.Context, op Op) error {
	a.mu.Lock()
	a.calls[op]++
	var err error
	if q := a.fail[op]; len(q) > 0 {
		err, a.fail[op] = q[0], q[1:]
	}
	hold := a.holds[op]
	a.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}
