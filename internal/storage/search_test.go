package storage_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/storage"
	"github.com/hivemind-dev/hivemind/internal/testutil"
)

// testDB is shared by all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// unitVec returns a 1024-dim unit vector along the given axis.
func unitVec(axis int) *pgvector.Vector {
	v := make([]float32, 1024)
	v[axis] = 1
	vec := pgvector.NewVector(v)
	return &vec
}

func insertTestItem(t *testing.T, orgID uuid.UUID, content string, emb *pgvector.Vector) model.KnowledgeItem {
	t.Helper()
	item, err := testDB.InsertItem(context.Background(), model.KnowledgeItem{
		OrgID:         orgID,
		Content:       content,
		Category:      model.CategoryOther,
		ContentHash:   uuid.NewString(),
		Embedding:     emb,
		SourceAgentID: "agent-1",
		Confidence:    0.8,
	})
	require.NoError(t, err)
	return item
}

// The lexical candidate set is bounded by CandidateTopK, and that bound must
// keep the highest ts_rank rows: an item the vector channel never selects
// still has to reach fusion when it is the best lexical match.
func TestHybridSearchLexicalTopKKeepsBestRanked(t *testing.T) {
	ctx := context.Background()
	org, err := testDB.CreateOrganization(ctx, model.Organization{Name: "lexical-topk"})
	require.NoError(t, err)

	// Lexically dominant for the query, but orthogonal to the probe vector.
	target := insertTestItem(t, org.ID,
		strings.Repeat("replica lag checkpoint ", 8), unitVec(1))

	// Vector-near fillers that each match only one weak query term, so the
	// lexical channel must rank them below the target.
	for i := 0; i < 3; i++ {
		insertTestItem(t, org.ID,
			fmt.Sprintf("replica maintenance notes volume %d with unrelated filler text", i),
			unitVec(0))
	}

	results, err := testDB.HybridSearch(ctx, storage.SearchParams{
		CallerOrg:     org.ID,
		Query:         "replica lag checkpoint",
		Probe:         *unitVec(0),
		CandidateTopK: 2,
		RRFK:          60,
		BoostBase:     0.7,
		BoostWeight:   0.3,
		Limit:         10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	ids := make([]uuid.UUID, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Item.ID)
		assert.Greater(t, r.FinalScore, 0.0)
	}
	assert.Contains(t, ids, target.ID)
}
