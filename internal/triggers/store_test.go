package triggers

import (
	"context"
	"testing"

	"chatpop/internal/db/dbtest"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedConfig(body string) func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	return func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
			"Config": &types.AttributeValueMemberS{Value: body},
		}}, nil
	}
}

func TestStoreGet(t *testing.T) {
	ctx := context.Background()

	rec := &dbtest.Recorder{}
	_, ok, err := NewStore(rec, "cfg").Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok, "no item means no configuration")

	rec = &dbtest.Recorder{OnGet: storedConfig(`{"enabled":true,"settings":{"max_suggestions_per_session":5}}`)}
	cfg, ok, err := NewStore(rec, "cfg").Get(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, cfg.MaxSuggestions())
	assert.Equal(t, "AGENT#agent-1", rec.Gets[0].Key["PK"].(*types.AttributeValueMemberS).Value)

	rec = &dbtest.Recorder{OnGet: storedConfig(`{"enabled":tru`)}
	_, ok, err = NewStore(rec, "cfg").Get(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrMalformedConfig)
	assert.False(t, ok)
}

func TestStorePutRejectsInvalidJSON(t *testing.T) {
	rec := &dbtest.Recorder{}
	st := NewStore(rec, "cfg")

	assert.ErrorIs(t, st.Put(context.Background(), "agent-1", []byte(`{`)), ErrMalformedConfig)
	assert.Zero(t, rec.Writes())

	require.NoError(t, st.Put(context.Background(), "agent-1", []byte(`{"enabled":false}`)))
	assert.Equal(t, `{"enabled":false}`, rec.Puts[0].Item["Config"].(*types.AttributeValueMemberS).Value)
}
