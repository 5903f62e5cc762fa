package authority

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	loginOwner = Owner{Kind: KindLogin, Channel: 0}
	channel1   = Owner{Kind: KindGame, Channel: 1}
	channel3   = Owner{Kind: KindGame, Channel: 3}
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testTTL = 30 * time.Second

// registryFactory builds an empty registry. age lets the backend's stored
// state catch up with now, the way a sweeper or key expiry would.
type registryFactory func(t *testing.T) (reg Registry, age func(now time.Time))

func issueTicket(t *testing.T, reg Registry, accountID int32, source, target Owner, machine string, now time.Time) []byte {
	t.Helper()
	token, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	tk := &Ticket{
		ID:          newTicketID(),
		AccountID:   accountID,
		CharacterID: 200,
		MachineID:   machine,
		Digest:      digestOf(token),
		Source:      source,
		Target:      target,
		MapID:       10,
		IssuedAt:    now,
		ExpiresAt:   now.Add(testTTL),
	}
	if err := reg.Issue(context.Background(), tk, now); err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func redeem(reg Registry, accountID int32, token []byte, machine string, now time.Time) (*Ticket, error) {
	return reg.Redeem(context.Background(), Redemption{
		AccountID: accountID,
		Digest:    digestOf(token),
		MachineID: machine,
	}, now)
}

func assertOwner(t *testing.T, reg Registry, accountID int32, want *Owner) {
	t.Helper()
	got, ok, err := reg.Owner(context.Background(), accountID)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if want == nil {
		if ok {
			t.Fatalf("expected no owner, got %s", got)
		}
		return
	}
	if !ok || got != *want {
		t.Fatalf("expected owner %s, got %s (present=%v)", want, got, ok)
	}
}

func runRegistryContract(t *testing.T, newReg registryFactory) {
	t.Run("RedeemSetsOwner", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		tk, err := redeem(reg, 100, token, "m1", baseTime.Add(time.Second))
		if err != nil {
			t.Fatalf("redeem: %v", err)
		}
		if tk.Target != channel3 || tk.MapID != 10 || tk.CharacterID != 200 || !tk.Consumed {
			t.Fatalf("unexpected ticket %+v", tk)
		}
		assertOwner(t, reg, 100, &channel3)
	})

	t.Run("DoubleRedeemConsumed", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		if _, err := redeem(reg, 100, token, "m1", baseTime); err != nil {
			t.Fatalf("first redeem: %v", err)
		}
		_, err := redeem(reg, 100, token, "m1", baseTime)
		if !errors.Is(err, ErrConsumed) {
			t.Fatalf("expected ErrConsumed, got %v", err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		_, err := redeem(reg, 100, token, "m1", baseTime.Add(testTTL))
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})

	t.Run("MachineMismatchKeepsTicket", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		_, err := redeem(reg, 100, token, "m2", baseTime)
		if !errors.Is(err, ErrMachineMismatch) {
			t.Fatalf("expected ErrMachineMismatch, got %v", err)
		}
		if _, err := redeem(reg, 100, token, "m1", baseTime); err != nil {
			t.Fatalf("redeem after mismatch: %v", err)
		}
	})

	t.Run("UnknownTokenNotFound", func(t *testing.T) {
		reg, _ := newReg(t)
		issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		other, _ := NewToken()
		_, err := redeem(reg, 100, other, "m1", baseTime)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		_, err = redeem(reg, 999, other, "m1", baseTime)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
		}
	})

	t.Run("WrongRedeemerKeepsTicket", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		wrong := Owner{Kind: KindGame, Channel: 2}
		_, err := reg.Redeem(context.Background(), Redemption{
			AccountID: 100, Digest: digestOf(token), MachineID: "m1", Redeemer: &wrong,
		}, baseTime)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		right := channel3
		if _, err := reg.Redeem(context.Background(), Redemption{
			AccountID: 100, Digest: digestOf(token), MachineID: "m1", Redeemer: &right,
		}, baseTime); err != nil {
			t.Fatalf("redeem by target: %v", err)
		}
	})

	t.Run("SupersededTicketConsumed", func(t *testing.T) {
		reg, _ := newReg(t)
		first := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)
		second := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime.Add(time.Second))

		out, err := reg.Outstanding(context.Background(), 100, baseTime.Add(time.Second))
		if err != nil {
			t.Fatalf("outstanding: %v", err)
		}
		if out == nil || out.Digest != digestOf(second) {
			t.Fatalf("expected the second ticket to be outstanding, got %+v", out)
		}

		_, err = redeem(reg, 100, first, "m1", baseTime.Add(2*time.Second))
		if !errors.Is(err, ErrConsumed) {
			t.Fatalf("expected ErrConsumed for superseded ticket, got %v", err)
		}
		if _, err := redeem(reg, 100, second, "m1", baseTime.Add(2*time.Second)); err != nil {
			t.Fatalf("redeem second: %v", err)
		}
	})

	t.Run("AccountBusy", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)
		if _, err := redeem(reg, 100, token, "m1", baseTime); err != nil {
			t.Fatalf("redeem: %v", err)
		}

		tk := &Ticket{
			ID: newTicketID(), AccountID: 100, CharacterID: 200, MachineID: "m1",
			Source: channel1, Target: channel3,
			IssuedAt: baseTime, ExpiresAt: baseTime.Add(testTTL),
		}
		err := reg.Issue(context.Background(), tk, baseTime.Add(time.Second))
		if !errors.Is(err, ErrAccountBusy) {
			t.Fatalf("expected ErrAccountBusy from stale source, got %v", err)
		}

		issueTicket(t, reg, 100, channel3, channel1, "m1", baseTime.Add(time.Second))
	})

	t.Run("OrphanedTicketKeepsOwner", func(t *testing.T) {
		reg, age := newReg(t)
		ctx := context.Background()
		login := issueTicket(t, reg, 100, loginOwner, channel1, "m1", baseTime)
		if _, err := redeem(reg, 100, login, "m1", baseTime); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		// channel 1 issues a handoff whose reply it never sees; its session
		// stays live there
		issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime.Add(time.Second))

		for _, later := range []time.Time{baseTime.Add(40 * time.Second), baseTime.Add(time.Hour)} {
			age(later)
			tk := &Ticket{
				ID: newTicketID(), AccountID: 100, CharacterID: 200, MachineID: "m2",
				Source: loginOwner, Target: channel1,
				IssuedAt: later, ExpiresAt: later.Add(testTTL),
			}
			if err := reg.Issue(ctx, tk, later); !errors.Is(err, ErrAccountBusy) {
				t.Fatalf("at %s: expected ErrAccountBusy while channel 1 holds the account, got %v", later.Sub(baseTime), err)
			}
			assertOwner(t, reg, 100, &channel1)
		}

		self := channel1
		if err := reg.Release(ctx, 100, &self); err != nil {
			t.Fatalf("release: %v", err)
		}
		issueTicket(t, reg, 100, loginOwner, channel1, "m2", baseTime.Add(time.Hour))
	})

	t.Run("ReleaseBeforeRedeemKeepsTicket", func(t *testing.T) {
		reg, _ := newReg(t)
		login := issueTicket(t, reg, 100, loginOwner, channel1, "m1", baseTime)
		if _, err := redeem(reg, 100, login, "m1", baseTime); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		self := channel1
		if err := reg.Release(context.Background(), 100, &self); err != nil {
			t.Fatalf("release: %v", err)
		}
		assertOwner(t, reg, 100, nil)
		if _, err := redeem(reg, 100, token, "m1", baseTime.Add(time.Second)); err != nil {
			t.Fatalf("redeem after source release: %v", err)
		}
		assertOwner(t, reg, 100, &channel3)

		// a late release by the old owner leaves the new one alone
		if err := reg.Release(context.Background(), 100, &self); err != nil {
			t.Fatalf("late release: %v", err)
		}
		assertOwner(t, reg, 100, &channel3)
	})

	t.Run("LoginTargetClearsOwner", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, loginOwner, channel1, "m1", baseTime)
		if _, err := redeem(reg, 100, token, "m1", baseTime); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		token = issueTicket(t, reg, 100, channel1, loginOwner, "m1", baseTime)
		if _, err := redeem(reg, 100, token, "m1", baseTime); err != nil {
			t.Fatalf("redeem to login: %v", err)
		}
		assertOwner(t, reg, 100, nil)
	})

	t.Run("Release", func(t *testing.T) {
		reg, _ := newReg(t)
		ctx := context.Background()
		token := issueTicket(t, reg, 100, loginOwner, channel1, "m1", baseTime)
		if _, err := redeem(reg, 100, token, "m1", baseTime); err != nil {
			t.Fatalf("redeem: %v", err)
		}

		other := channel3
		if err := reg.Release(ctx, 100, &other); err != nil {
			t.Fatalf("release other: %v", err)
		}
		assertOwner(t, reg, 100, &channel1)

		self := channel1
		if err := reg.Release(ctx, 100, &self); err != nil {
			t.Fatalf("release: %v", err)
		}
		assertOwner(t, reg, 100, nil)

		if err := reg.Release(ctx, 100, nil); err != nil {
			t.Fatalf("release absent: %v", err)
		}
	})

	t.Run("ConcurrentRedeemSingleWinner", func(t *testing.T) {
		reg, _ := newReg(t)
		token := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)

		const n = 32
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			wins    int
			unknown []error
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := redeem(reg, 100, token, "m1", baseTime)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConsumed):
				default:
					unknown = append(unknown, err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		if len(unknown) > 0 {
			t.Fatalf("unexpected redeem errors: %v", unknown)
		}
	})

	t.Run("AccountsIndependent", func(t *testing.T) {
		reg, _ := newReg(t)
		a := issueTicket(t, reg, 100, channel1, channel3, "m1", baseTime)
		b := issueTicket(t, reg, 101, channel1, channel3, "m1", baseTime)

		if _, err := redeem(reg, 101, a, "m1", baseTime); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected cross-account redeem to fail with ErrNotFound, got %v", err)
		}
		if _, err := redeem(reg, 100, a, "m1", baseTime); err != nil {
			t.Fatalf("redeem a: %v", err)
		}
		if _, err := redeem(reg, 101, b, "m1", baseTime); err != nil {
			t.Fatalf("redeem b: %v", err)
		}
	})
}
