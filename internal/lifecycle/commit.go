package lifecycle

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
)

// newCommitRecord fabricates the merge request placeholder for a merged binding.
func newCommitRecord(state domain.EnvironmentState, b domain.BranchBinding, description, submitter string, now time.Time) domain.CommitRecord {
	id := uuid.New()
	commitID := strings.ToUpper(hex.EncodeToString(id[:3]))
	number := (int(id[3])<<8|int(id[4]))%9000 + 1000
	return domain.CommitRecord{
		ID:             id.String(),
		ProjectID:      state.ProjectID,
		Environment:    state.Environment,
		BindingID:      b.ID,
		Repo:           b.Repo,
		Branch:         b.Branch,
		Submitter:      submitter,
		Description:    description,
		CommitID:       commitID,
		PullRequestURL: pullRequestURL(b.Repo, number),
		Status:         domain.CommitStatusPending,
		CreatedAt:      now.UTC(),
	}
}

func pullRequestURL(repo string, number int) string {
	repo = strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(repo), "/"), ".git")
	if repo == "" {
		return ""
	}
	return fmt.Sprintf("%s/pull/%d", repo, number)
}
