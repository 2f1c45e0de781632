package leader_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MohamedAnouar/containerproxy/pkg/leader"
)

func TestAlwaysLeader_IsAlwaysLeader(t *testing.T) {
	var l leader.LeaderService = leader.AlwaysLeader{}
	assert.True(t, l.IsLeader(context.Background(), "scaler:any-spec"))
	assert.True(t, l.IsLeader(context.Background(), ""))
}
