package service

import (
	"testing"
	"time"

	"github.com/shelfmark/shelfmark/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func TestEvaluateTrust(t *testing.T) {
	tests := []struct {
		name         string
		provider     domain.Provider
		email        string
		metadata     domain.ProviderMetadata
		wantScore    int
		wantVerified bool
		wantSSO      bool
		wantDomainOK bool
	}{
		{
			name:         "google consumer address",
			provider:     domain.ProviderGoogle,
			email:        "alice@gmail.com",
			wantScore:    80,
			wantVerified: true,
		},
		{
			name:         "google enterprise domain",
			provider:     domain.ProviderGoogle,
			email:        "alice@company.com",
			wantScore:    90,
			wantVerified: true,
			wantSSO:      true,
			wantDomainOK: true,
		},
		{
			name:         "microsoft enterprise domain",
			provider:     domain.ProviderMicrosoft,
			email:        "bob@contoso.com",
			wantScore:    90,
			wantVerified: true,
			wantSSO:      true,
			wantDomainOK: true,
		},
		{
			name:         "github verified email",
			provider:     domain.ProviderGitHub,
			email:        "carol@gmail.com",
			metadata:     domain.ProviderMetadata{EmailVerified: boolPtr(true)},
			wantScore:    60,
			wantVerified: true,
		},
		{
			name:      "github without verification flag",
			provider:  domain.ProviderGitHub,
			email:     "carol@gmail.com",
			wantScore: 60,
		},
		{
			name:         "local password account",
			provider:     domain.ProviderLocal,
			email:        "dave@company.com",
			wantScore:    70,
			wantVerified: true,
			wantDomainOK: true,
		},
		{
			name:         "passkey",
			provider:     domain.ProviderPasskey,
			email:        "erin@gmail.com",
			wantScore:    50,
			wantVerified: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateTrust(tt.provider, tt.email, tt.metadata)
			if got.TrustScore != tt.wantScore {
				t.Errorf("TrustScore = %d, want %d", got.TrustScore, tt.wantScore)
			}
			if got.EmailVerified != tt.wantVerified {
				t.Errorf("EmailVerified = %v, want %v", got.EmailVerified, tt.wantVerified)
			}
			if got.EnterpriseSSO != tt.wantSSO {
				t.Errorf("EnterpriseSSO = %v, want %v", got.EnterpriseSSO, tt.wantSSO)
			}
			if got.DomainVerified != tt.wantDomainOK {
				t.Errorf("DomainVerified = %v, want %v", got.DomainVerified, tt.wantDomainOK)
			}
		})
	}
}

func TestEvaluateTrustDeterministic(t *testing.T) {
	first := EvaluateTrust(domain.ProviderGoogle, "alice@company.com", domain.ProviderMetadata{})
	for i := 0; i < 10; i++ {
		again := EvaluateTrust(domain.ProviderGoogle, "alice@company.com", domain.ProviderMetadata{})
		if again != first {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestRequiresVerification(t *testing.T) {
	aged := time.Now().Add(-48 * time.Hour)
	fresh := time.Now().Add(-1 * time.Hour)

	verified := func(score int, sso bool) TrustEvaluation {
		return TrustEvaluation{EmailVerified: true, EnterpriseSSO: sso, TrustScore: score}
	}

	tests := []struct {
		name      string
		primary   TrustEvaluation
		next      TrustEvaluation
		createdAt time.Time
		want      bool
	}{
		{
			name:      "both enterprise sso skip verification",
			primary:   verified(90, true),
			next:      verified(90, true),
			createdAt: fresh,
			want:      false,
		},
		{
			name:      "both high trust skip verification",
			primary:   verified(90, false),
			next:      verified(90, false),
			createdAt: fresh,
			want:      false,
		},
		{
			name:      "unverified next email",
			primary:   verified(90, false),
			next:      TrustEvaluation{EmailVerified: false, TrustScore: 60},
			createdAt: aged,
			want:      true,
		},
		{
			name:      "unverified primary email",
			primary:   TrustEvaluation{EmailVerified: false, TrustScore: 80},
			next:      verified(80, false),
			createdAt: aged,
			want:      true,
		},
		{
			name:      "low trust next",
			primary:   verified(80, false),
			next:      verified(60, false),
			createdAt: aged,
			want:      true,
		},
		{
			name:      "fresh low trust anchor",
			primary:   verified(70, false),
			next:      verified(80, false),
			createdAt: fresh,
			want:      true,
		},
		{
			name:      "aged anchor with decent trust",
			primary:   verified(70, false),
			next:      verified(80, false),
			createdAt: aged,
			want:      false,
		},
		{
			name:      "fresh but high trust anchor",
			primary:   verified(80, false),
			next:      verified(80, false),
			createdAt: fresh,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequiresVerification(tt.primary, tt.next, tt.createdAt)
			if got != tt.want {
				t.Errorf("RequiresVerification = %v, want %v", got, tt.want)
			}
		})
	}
}

// Raising either side's trust score must never introduce a verification
// requirement that the lower score avoided.
func TestRequiresVerificationMonotone(t *testing.T) {
	createdAt := time.Now().Add(-48 * time.Hour)
	scores := []int{50, 60, 70, 80, 90}

	for i, low := range scores[:len(scores)-1] {
		high := scores[i+1]

		base := TrustEvaluation{EmailVerified: true, TrustScore: low}
		other := TrustEvaluation{EmailVerified: true, TrustScore: 80}

		if !RequiresVerification(base, other, createdAt) {
			raised := base
			raised.TrustScore = high
			if RequiresVerification(raised, other, createdAt) {
				t.Errorf("raising primary %d->%d introduced verification", low, high)
			}
		}
		if !RequiresVerification(other, base, createdAt) {
			raised := base
			raised.TrustScore = high
			if RequiresVerification(other, raised, createdAt) {
				t.Errorf("raising next %d->%d introduced verification", low, high)
			}
		}
	}
}
