package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// QueryFilter selects decision log entries.
type QueryFilter struct {
	// CorrelationID restricts results to one workflow run.
	CorrelationID string

	// Result restricts results to one decision outcome.
	Result domain.DecisionResult

	// DecisionType restricts results to one decision point kind.
	DecisionType string

	// Since keeps only entries at or after this time.
	Since time.Time

	// Limit caps the number of returned entries. Zero means unlimited.
	Limit int
}

func (f QueryFilter) matches(d domain.PolicyDecision) bool {
	if f.CorrelationID != "" && d.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Result != "" && d.Result != f.Result {
		return false
	}
	if f.DecisionType != "" && d.DecisionType != f.DecisionType {
		return false
	}
	if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store provides read access to an NDJSON decision log written by FileSink.
type Store struct {
	path string
}

// NewStore creates a store reading from path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Query scans the log and returns entries matching the filter in file order.
// Malformed lines are skipped rather than failing the whole query.
func (s *Store) Query(filter QueryFilter) ([]domain.PolicyDecision, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.PolicyDecision{}, nil
		}
		return nil, fmt.Errorf("failed to open decision log: %w", err)
	}
	defer f.Close()

	var decisions []domain.PolicyDecision
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var d domain.PolicyDecision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			continue
		}
		if filter.matches(d) {
			decisions = append(decisions, d)
		}
		if filter.Limit > 0 && len(decisions) >= filter.Limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read decision log: %w", err)
	}
	return decisions, nil
}
