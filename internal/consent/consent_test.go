package consent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckerStandingConsent(t *testing.T) {
	denied := &Checker{Standing: func() bool { return false }}
	if _, err := denied.Check(context.Background()); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("error %v, want ErrConsentRequired", err)
	}

	granted := &Checker{Standing: func() bool { return true }}
	rec, err := granted.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !rec.DataProcessing || !rec.MediaTransmit || rec.ConsentedAt.IsZero() {
		t.Fatalf("record %+v incomplete", rec)
	}
}

func TestCheckerDevModeBypassesStandingOnly(t *testing.T) {
	prompted := false
	c := &Checker{
		Standing: func() bool { return false },
		Prompt: func(context.Context) (bool, error) {
			prompted = true
			return false, nil
		},
		DevMode: true,
	}
	_, err := c.Check(context.Background())
	if !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("error %v, want ErrConsentRequired from prompt", err)
	}
	if !prompted {
		t.Fatal("dev mode skipped the call-specific prompt")
	}
}

func TestCheckerPromptDecline(t *testing.T) {
	c := &Checker{Prompt: func(context.Context) (bool, error) { return false, nil }}
	if _, err := c.Check(context.Background()); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("error %v, want ErrConsentRequired", err)
	}

	c = &Checker{Prompt: func(context.Context) (bool, error) { return false, errors.New("ui gone") }}
	if _, err := c.Check(context.Background()); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("prompt failure error %v, want ErrConsentRequired", err)
	}
}

func TestRecordScrub(t *testing.T) {
	consented := time.Now().Add(-time.Minute)
	rec := &Record{
		DataProcessing: true,
		MediaTransmit:  true,
		ConsentedAt:    consented,
		ClientInfo:     "browser 1.2 on host xyz",
	}

	start := time.Now().Add(-30 * time.Second)
	tuple := rec.Scrub(start)

	if !tuple.ConsentedAt.Equal(consented) {
		t.Fatal("audit tuple lost the consent timestamp")
	}
	if tuple.Duration < 29*time.Second || tuple.Duration > 31*time.Second {
		t.Fatalf("audit duration %s, want about 30s", tuple.Duration)
	}
	if rec.ClientInfo != "" {
		t.Fatal("personal client info survived the scrub")
	}
}
