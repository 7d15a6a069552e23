package resolvers

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/troydota/api.vote.komodohype.dev/metrics"
	"github.com/troydota/api.vote.komodohype.dev/polls"
	"github.com/troydota/api.vote.komodohype.dev/utils"
)

var (
	errInternalServer = fmt.Errorf("internal server error")
)

const stateSuccess = "SUCCESS"

type RootResolver struct {
	engine    *polls.Engine
	projector *polls.Projector
	service   *polls.Service
	metrics   *metrics.Metrics
}

// New builds the root resolver. m may be nil.
func New(engine *polls.Engine, projector *polls.Projector, service *polls.Service, m *metrics.Metrics) *RootResolver {
	return &RootResolver{
		engine:    engine,
		projector: projector,
		service:   service,
		metrics:   m,
	}
}

func voterID(ctx context.Context) string {
	return utils.VoterID(ctx)
}

// state maps a core error onto the state string returned by mutations.
// Storage failures are not a state; they surface as a GraphQL error.
func (r *RootResolver) state(op string, err error) (string, *string, error) {
	if err == nil {
		return stateSuccess, nil, nil
	}
	if r.metrics != nil {
		r.metrics.Error(err)
	}

	kind := polls.KindOf(err)
	if kind == polls.KindStorageUnavailable || kind == polls.KindConflict {
		log.WithField("component", "gql").Errorf("%s, err=%v", op, err)
		return "", nil, errInternalServer
	}

	msg := err.Error()
	return string(kind), &msg, nil
}

// lookupErr turns a core error from a read into a resolver result: missing
// and hidden polls resolve to null, anything else is an internal error.
func lookupErr(op string, err error) error {
	if polls.KindOf(err) == polls.KindPollNotFound {
		return nil
	}
	log.WithField("component", "gql").Errorf("%s, err=%v", op, err)
	return errInternalServer
}
