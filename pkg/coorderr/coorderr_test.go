package coorderr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

func TestCode(t *testing.T) {
	assert.Equal(t, codes.OK, Code(nil))
	assert.Equal(t, codes.Aborted, Code(Abortedf("x")))
	assert.Equal(t, codes.Unknown, Code(fmt.Errorf("plain")))
	assert.Equal(t, codes.Unavailable, Code(fmt.Errorf("wrapped: %w", Unavailablef("y"))))
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsUnavailable(Unavailablef("x")))
	assert.True(t, IsAborted(Abortedf("x")))
	assert.True(t, IsCancelled(Cancelledf("x")))
	assert.True(t, IsNotFound(NotFoundf("x")))
	assert.True(t, IsInternal(Internalf("x")))
	assert.True(t, IsInvalidArgument(InvalidArgumentf("x")))
	assert.True(t, IsDeadlineExceeded(DeadlineExceededf("x")))
	assert.True(t, IsFailedPrecondition(FailedPreconditionf("x")))
	assert.True(t, IsAlreadyExists(AlreadyExistsf("x")))
	assert.False(t, IsUnavailable(Internalf("x")))
}

func TestPayload(t *testing.T) {
	task := types.Task{JobName: "worker", TaskID: 1}
	err := WithSourceTask(Unavailablef("heartbeat timeout"), task)

	payload := GetPayload(err)
	require.NotNil(t, payload)
	require.NotNil(t, payload.SourceTask)
	assert.Equal(t, task, *payload.SourceTask)

	// Plain errors carry no payload; NotFound is a plain lookup failure.
	assert.Nil(t, GetPayload(NotFoundf("missing")))
	assert.Nil(t, GetPayload(fmt.Errorf("foreign")))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "boom", Message(Internalf("boom")))
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "Internal: boom", Internalf("boom").Error())
}

func TestToGRPCStatus(t *testing.T) {
	st := ToGRPCStatus(Abortedf("restarted"))
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Equal(t, "restarted", st.Message())

	assert.Equal(t, codes.OK, ToGRPCStatus(nil).Code())
	assert.Equal(t, codes.Unknown, ToGRPCStatus(fmt.Errorf("x")).Code())
}

func TestFromCodeAndMessage(t *testing.T) {
	err := FromCodeAndMessage(uint32(codes.Internal), "boom")
	require.NotNil(t, err)
	assert.True(t, IsInternal(err))
	assert.Equal(t, "boom", err.Message)

	assert.Nil(t, FromCodeAndMessage(uint32(codes.OK), ""))
}
