package training

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/tod/config"
	"go.viam.com/tod/logging"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/vision/keypoints"
)

// State is the stage a training session is in. States only move forward.
type State int

// The states of a Session.
const (
	StateCollecting State = iota
	StateFinalizing
	StateOptimizing
	StateMerging
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "COLLECTING"
	case StateFinalizing:
		return "FINALIZING"
	case StateOptimizing:
		return "OPTIMIZING"
	case StateMerging:
		return "MERGING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotCollecting is returned when frames are added to, or a model requested from, a session that
// was already finalized.
var ErrNotCollecting = errors.New("session is not collecting frames")

// Session trains the model of one object.
type Session struct {
	id       string
	objectID string

	stacker *Stacker
	builder *ModelBuilder
	post    *PostProcessor
	store   objectdb.Store
	logger  logging.Logger

	mu     sync.Mutex
	state  State
	result *PostProcessResult
}

// NewSession validates cfg for training and builds the ORB extractor it describes. When store is
// not nil, the model is saved into it on Finalize.
func NewSession(
	objectID string,
	cfg *config.Config,
	store objectdb.Store,
	logger logging.Logger,
	opts ...config.Option,
) (*Session, error) {
	if err := cfg.Validate(config.KindTraining); err != nil {
		return nil, err
	}
	orbConf, err := cfg.ORBConfig()
	if err != nil {
		return nil, err
	}
	extractor, err := keypoints.NewORBExtractor(orbConf)
	if err != nil {
		return nil, err
	}
	return NewSessionWithExtractor(objectID, cfg, extractor, store, logger, opts...)
}

// NewSessionWithExtractor is NewSession with a given keypoint extractor.
func NewSessionWithExtractor(
	objectID string,
	cfg *config.Config,
	extractor keypoints.Extractor,
	store objectdb.Store,
	logger logging.Logger,
	opts ...config.Option,
) (*Session, error) {
	if objectID == "" {
		return nil, errors.New("a training session needs an object id")
	}
	if err := cfg.Validate(config.KindTraining); err != nil {
		return nil, err
	}
	options, err := config.NewOptions(opts...)
	if err != nil {
		return nil, err
	}
	post, err := NewPostProcessor(cfg, logger.Sublogger("postprocess"))
	if err != nil {
		return nil, err
	}
	stacker := NewStacker()
	s := &Session{
		id:       uuid.NewString(),
		objectID: objectID,
		stacker:  stacker,
		builder:  NewModelBuilder(extractor, stacker, cfg.Training, logger.Sublogger("builder"), options),
		post:     post,
		store:    store,
		logger:   logger,
		state:    StateCollecting,
	}
	logger.Infow("training session started", "session", s.id, "object_id", objectID)
	return s, nil
}

// ID returns the session id written into the model.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stacker returns the accumulator of the session.
func (s *Session) Stacker() *Stacker {
	return s.stacker
}

// SetAdjuster replaces the bundle adjuster. It must be called while collecting.
func (s *Session) SetAdjuster(adjuster Adjuster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollecting {
		return ErrNotCollecting
	}
	s.post = s.post.WithAdjuster(adjuster)
	return nil
}

func (s *Session) collecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCollecting
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debugw("training session state", "session", s.id, "from", s.state.String(), "to", state.String())
	s.state = state
}

// AddObservation processes one frame and returns its sequence number, -1 when it had no valid
// keypoint. It is safe to call concurrently.
func (s *Session) AddObservation(ctx context.Context, obs Observation) (int, error) {
	if !s.collecting() {
		return -1, ErrNotCollecting
	}
	seq, err := s.builder.ProcessFrame(ctx, obs)
	if errors.Is(err, ErrStackerSealed) {
		return -1, ErrNotCollecting
	}
	return seq, err
}

// Run processes frames until the channel is closed.
func (s *Session) Run(ctx context.Context, frames <-chan Observation) error {
	if !s.collecting() {
		return ErrNotCollecting
	}
	err := s.builder.Run(ctx, frames)
	if errors.Is(err, ErrStackerSealed) {
		return ErrNotCollecting
	}
	return err
}

// Finalize seals the accumulator and builds the model. It can only be called once.
func (s *Session) Finalize(ctx context.Context) (*objectdb.Model, error) {
	s.mu.Lock()
	if s.state != StateCollecting {
		s.mu.Unlock()
		return nil, ErrNotCollecting
	}
	s.state = StateFinalizing
	post := s.post
	s.mu.Unlock()

	s.stacker.Seal()
	entries := s.stacker.Entries()
	s.logger.Infow("finalizing training session",
		"session", s.id, "frames", len(entries), "points", s.stacker.NumPoints())

	result, err := s.finalize(ctx, post, entries)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	s.setState(StateDone)
	return result.Model, nil
}

func (s *Session) finalize(ctx context.Context, post *PostProcessor, entries []FrameEntry) (*PostProcessResult, error) {
	problem, err := post.Prepare(entries)
	if err != nil {
		return nil, err
	}
	s.setState(StateOptimizing)
	adjustment, err := post.Adjust(ctx, problem)
	if err != nil {
		return nil, err
	}
	s.setState(StateMerging)
	points, err := post.Merge(problem, adjustment)
	if err != nil {
		return nil, err
	}
	model, err := post.Fill(s.objectID, s.id, points)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.SaveModel(ctx, model); err != nil {
			return nil, err
		}
	}
	s.logger.Infow("model built", "object_id", s.objectID, "points", len(model.Points))
	return &PostProcessResult{Problem: problem, Adjustment: adjustment, Points: points, Model: model}, nil
}

// Result returns the products of Finalize, nil before the session is done.
func (s *Session) Result() *PostProcessResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
