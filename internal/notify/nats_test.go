package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/model"
)

func TestNewPublisher_DisabledIsInert(t *testing.T) {
	p, err := NewPublisher(config.NotifyConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.conn)

	// Publishing and closing without a connection must be safe no-ops.
	p.BuildFinished(context.Background(), &model.Build{
		ID:     1,
		Status: model.BuildStatusSuccess,
	}, &model.Project{ID: 1, Name: "demo"})
	p.Close()
}

func TestNewPublisher_BadURLFails(t *testing.T) {
	_, err := NewPublisher(config.NotifyConfig{
		Enabled: true,
		NATSURL: "nats://127.0.0.1:1",
	}, nil)
	assert.Error(t, err)
}
