package domain_test

import (
	"testing"

	"github.com/PBaumfalk/AI-Lawyer-sub005/internal/domain"
)

func TestDraftStatus_IsResolved(t *testing.T) {
	if domain.DraftPending.IsResolved() {
		t.Error("PENDING must not be resolved")
	}
	for _, s := range []domain.DraftStatus{domain.DraftAccepted, domain.DraftRejected, domain.DraftEdited} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsResolved() {
				t.Errorf("IsResolved(%q) = false, want true", s)
			}
		})
	}
}

func TestDraft_CanAutoRevise(t *testing.T) {
	tests := []struct {
		revisions int
		want      bool
	}{
		{0, true},
		{1, true},
		{2, true},
		{3, false},
	}
	for _, tt := range tests {
		d := &domain.Draft{RevisionCount: tt.revisions}
		if got := d.CanAutoRevise(); got != tt.want {
			t.Errorf("CanAutoRevise with revisionCount=%d = %v, want %v", tt.revisions, got, tt.want)
		}
	}
}

func TestPreview_Truncation(t *testing.T) {
	short := "kurzer Entwurf"
	if got := domain.Preview(short); got != short {
		t.Errorf("Preview(short) = %q, want unchanged", got)
	}

	long := make([]rune, domain.PreviewLimit+50)
	for i := range long {
		long[i] = 'ä' // multi-byte rune; truncation must count runes, not bytes
	}
	got := []rune(domain.Preview(string(long)))
	if len(got) != domain.PreviewLimit+1 { // +1 for the ellipsis
		t.Errorf("Preview(long) length = %d runes, want %d", len(got), domain.PreviewLimit+1)
	}
}
