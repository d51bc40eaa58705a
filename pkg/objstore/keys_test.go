package objstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/evaloor/pkg/objstore"
)

func TestKeyLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "dataset",
			got:  objstore.DatasetKey("agent-1", "d1"),
			want: "agent-1/datasets/d1/dataset.json",
		},
		{
			name: "configuration",
			got:  objstore.ConfigurationKey("agent-1", "c1"),
			want: "agent-1/metrics-configurations/c1/configuration.json",
		},
		{
			name: "enriched dataset",
			got:  objstore.EnrichedDatasetKey("agent-1", "run-1"),
			want: "agent-1/enriched-datasets/run-1/enriched-dataset.json",
		},
		{
			name: "result file",
			got:  objstore.ResultKey("agent-1", "run-1", "summary.json"),
			want: "agent-1/evaluation-results/run-1/summary.json",
		},
		{
			name: "result prefix",
			got:  objstore.ResultPrefix("agent-1", "run-1"),
			want: "agent-1/evaluation-results/run-1/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestKeyLayout_CategoryPreventsCollision(t *testing.T) {
	t.Parallel()

	// The same id under different categories must map to different
	// object keys.
	assert.NotEqual(t,
		objstore.EnrichedDatasetKey("agent-1", "x"),
		objstore.ResultKey("agent-1", "x", "enriched-dataset.json"),
	)
}
