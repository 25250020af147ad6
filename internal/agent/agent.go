package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless" // FSM library
	"go.uber.org/zap"

	"github.com/comigor/unichat-go/internal/apperr"
	"github.com/comigor/unichat-go/internal/config"
	"github.com/comigor/unichat-go/internal/history"
	"github.com/comigor/unichat-go/internal/imagectx"
	"github.com/comigor/unichat-go/internal/imagestore"
	"github.com/comigor/unichat-go/internal/llm"
	"github.com/comigor/unichat-go/internal/logger"
)

// FSM States
type FSMState string

const (
	StateIdle                FSMState = "Idle"
	StateResolveConversation FSMState = "ResolveConversation"
	StateResolveIntent       FSMState = "ResolveIntent"
	StateDispatch            FSMState = "Dispatch"
	StatePersist             FSMState = "Persist"
	StateDone                FSMState = "Done"   // Terminal: response ready
	StateFailed              FSMState = "Failed" // Terminal: nothing persisted
)

// FSM Triggers
type FSMTrigger string

const (
	TriggerStart                FSMTrigger = "Start"
	TriggerConversationResolved FSMTrigger = "ConversationResolved"
	TriggerIntentResolved       FSMTrigger = "IntentResolved"
	TriggerDispatched           FSMTrigger = "Dispatched"
	TriggerPersisted            FSMTrigger = "Persisted"
	TriggerFail                 FSMTrigger = "Fail"
)

const (
	DefaultTemperature float32 = 0.7
	classifierHistory          = 3
)

// Reply texts of the image branch.
const (
	replyModifiedSameConversation  = "I've created a new image based on your modifications to the previous one"
	replyModifiedOtherConversation = "I've created a new image similar to your previous request, but in a new conversation"
	replyFreshSameConversation     = "I've generated another image in this conversation"
	replyFresh                     = "I've generated an image based on your request"
)

// ConversationStore is the persistence the agent needs.
type ConversationStore interface {
	GetOwnedConversation(ctx context.Context, id, userID string) (*history.Conversation, error)
	SaveExchange(ctx context.Context, conv *history.Conversation, img *history.ImageRecord) error
}

// ImageFiles stores generated image bytes by id.
type ImageFiles interface {
	Save(id, b64 string) (string, error)
	Exists(id string) bool
	Remove(id string) error
}

// Request is one unified chat call.
type Request struct {
	Messages       []history.Message `json:"messages" binding:"required,dive"`
	UserID         string            `json:"user_id" binding:"required"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float32          `json:"temperature,omitempty"`
	ModelOverride  string            `json:"model_override,omitempty"`
	ForceType      string            `json:"force_type,omitempty"`
}

// Response is the outcome of a successful unified chat call.
type Response struct {
	ConversationID string          `json:"conversation_id"`
	Message        history.Message `json:"message"`
	ModelUsed      string          `json:"model_used"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Agent is the unified chat orchestrator.
type Agent struct {
	store      ConversationStore
	files      ImageFiles
	classifier *llm.Classifier
	dispatcher *llm.Dispatcher
	images     *imagectx.Registry
	imageOpts  llm.ImageOptions
	now        func() time.Time
}

// New creates a new agent calling models through llmClient.
func New(llmClient llm.Client, store ConversationStore, files ImageFiles, appCfg config.Config) *Agent {
	return &Agent{
		store:      store,
		files:      files,
		classifier: llm.NewClassifier(llmClient, appCfg.Models.Classifier, appCfg.LLM.ClassifierTimeout),
		dispatcher: llm.NewDispatcher(llmClient, appCfg.Models, appCfg.LLM),
		images:     imagectx.NewRegistry(),
		imageOpts:  llm.DefaultImageOptions(appCfg.Image),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ImageContext returns a snapshot of userID's image state.
func (a *Agent) ImageContext(userID string) imagectx.Context {
	return a.images.Snapshot(userID)
}

// fsmContext is the data of one request flowing through the machine.
type fsmContext struct {
	req         Request
	temperature float32
	conv        *history.Conversation
	userMsg     history.Message
	intent      llm.Intent
	reply       history.Message
	modelUsed   string

	lease        *imagectx.Lease
	image        *history.ImageRecord
	modification bool
	savedImageID string

	createdAt time.Time
	next      FSMTrigger
	lastError error
}

func (f *fsmContext) advance(t FSMTrigger) {
	f.next = t
}

func (f *fsmContext) fail(err error) {
	f.lastError = err
	f.next = TriggerFail
}

// Process runs req through ResolveConversation, ResolveIntent, Dispatch and
// Persist. Either the whole exchange is persisted and a response returned or
// nothing is persisted and an error returned.
func (a *Agent) Process(ctx context.Context, req Request) (*Response, error) {
	fsmCtx := &fsmContext{req: req, temperature: DefaultTemperature}
	if req.Temperature != nil {
		fsmCtx.temperature = *req.Temperature
	}
	defer func() {
		if fsmCtx.lease != nil {
			fsmCtx.lease.Release()
		}
	}()

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateResolveConversation)

	fsm.Configure(StateResolveConversation).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateResolveConversation")
			a.resolveConversation(ctx, fsmCtx)
			return nil
		}).
		Permit(TriggerConversationResolved, StateResolveIntent).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StateResolveIntent).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateResolveIntent")
			a.resolveIntent(ctx, fsmCtx)
			return nil
		}).
		Permit(TriggerIntentResolved, StateDispatch).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StateDispatch).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateDispatch", zap.Stringer("intent", fsmCtx.intent))
			switch fsmCtx.intent {
			case llm.IntentImage:
				a.dispatchImage(ctx, fsmCtx)
			case llm.IntentSearch, llm.IntentMini, llm.IntentChat:
				a.dispatchText(ctx, fsmCtx)
			default:
				fsmCtx.fail(apperr.NewInternalError(fmt.Sprintf("unhandled intent %s", fsmCtx.intent), nil))
			}
			return nil
		}).
		Permit(TriggerDispatched, StatePersist).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StatePersist).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StatePersist")
			a.persist(ctx, fsmCtx)
			return nil
		}).
		Permit(TriggerPersisted, StateDone).
		Permit(TriggerFail, StateFailed)

	fsm.Configure(StateDone).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateDone")
			return nil
		})

	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateFailed", zap.Error(fsmCtx.lastError))
			a.rollback(fsmCtx)
			return nil
		})

	// Each OnEntry stores the next trigger instead of firing it, so transitions
	// never nest and the machine is driven from this loop.
	trigger := TriggerStart
	for trigger != "" {
		fsmCtx.next = ""
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			logger.L.Error("FSM fire error", zap.String("trigger", string(trigger)), zap.Error(err))
			return nil, apperr.NewInternalError("state machine error", err)
		}
		trigger = fsmCtx.next
	}

	currentState, err := fsm.State(ctx)
	if err != nil {
		return nil, apperr.NewInternalError("state machine error", err)
	}
	switch currentState {
	case StateDone:
		return &Response{
			ConversationID: fsmCtx.conv.ID,
			Message:        fsmCtx.reply,
			ModelUsed:      fsmCtx.modelUsed,
			CreatedAt:      fsmCtx.createdAt,
		}, nil
	case StateFailed:
		if fsmCtx.lastError == nil {
			return nil, errors.New("FSM ended in StateFailed without a specific error")
		}
		return nil, fsmCtx.lastError
	}
	return nil, fmt.Errorf("FSM ended in an unexpected state: %v", currentState)
}

func (a *Agent) resolveConversation(ctx context.Context, f *fsmContext) {
	if f.req.UserID == "" {
		f.fail(apperr.NewValidationError("user_id is required", nil))
		return
	}

	if f.req.ConversationID != "" {
		conv, err := a.store.GetOwnedConversation(ctx, f.req.ConversationID, f.req.UserID)
		if err != nil {
			f.fail(err)
			return
		}
		f.conv = conv
		f.advance(TriggerConversationResolved)
		return
	}

	now := a.now()
	f.conv = &history.Conversation{
		ID:        uuid.NewString(),
		UserID:    f.req.UserID,
		Title:     history.Title(f.req.Messages),
		CreatedAt: now,
		UpdatedAt: now,
	}
	logger.L.Info("Created conversation", zap.String("conversation_id", f.conv.ID), zap.String("user_id", f.req.UserID))
	f.advance(TriggerConversationResolved)
}

func (a *Agent) resolveIntent(ctx context.Context, f *fsmContext) {
	found := false
	for i := len(f.req.Messages) - 1; i >= 0; i-- {
		if f.req.Messages[i].Role == history.RoleUser {
			f.userMsg = f.req.Messages[i].Normalized()
			found = true
			break
		}
	}
	if !found {
		f.fail(apperr.NewBadRequestError("No user message found"))
		return
	}
	if !f.userMsg.ContentType.Valid() {
		f.fail(apperr.NewValidationError(fmt.Sprintf("unsupported content_type %q", f.userMsg.ContentType), nil))
		return
	}

	if f.req.ForceType != "" {
		intent, err := llm.ParseIntent(f.req.ForceType)
		if err != nil {
			f.fail(apperr.NewBadRequestError(err.Error()))
			return
		}
		f.intent = intent
		f.advance(TriggerIntentResolved)
		return
	}

	recent := f.conv.Messages
	if len(recent) > classifierHistory {
		recent = recent[len(recent)-classifierHistory:]
	}
	intent, err := a.classifier.Classify(ctx, f.userMsg.Content, recent)
	if err != nil {
		logger.L.Warn("Classification failed, falling back", zap.Stringer("intent", intent), zap.Error(err))
	}
	f.intent = intent
	logger.L.Info("Classified request", zap.Stringer("intent", intent), zap.String("conversation_id", f.conv.ID))
	f.advance(TriggerIntentResolved)
}

func (a *Agent) dispatchText(ctx context.Context, f *fsmContext) {
	model := a.dispatcher.SelectModel(f.intent, f.req.ModelOverride)
	content, err := a.dispatcher.InvokeText(ctx, model, mergeTurns(f.conv.Messages, f.req.Messages), f.temperature, f.req.MaxTokens)
	if err != nil {
		f.fail(err)
		return
	}
	f.modelUsed = model
	f.reply = history.Message{
		Role:        history.RoleAssistant,
		Content:     content,
		ContentType: history.ContentText,
	}
	f.advance(TriggerDispatched)
}

// dispatchImage holds the user's image lease until the request ends so the
// decision, the generation and the tracker update cannot interleave with
// another image request of the same user.
func (a *Agent) dispatchImage(ctx context.Context, f *fsmContext) {
	lease, err := a.images.AcquireCtx(ctx, f.req.UserID)
	if err != nil {
		f.fail(apperr.NewInternalError("request cancelled while waiting for image context", err))
		return
	}
	f.lease = lease
	imgCtx := f.lease.Context()

	instruction := f.userMsg.Content
	f.modification = imgCtx.HasImage() && imagectx.WantsModification(instruction)
	if f.modification && !a.files.Exists(imgCtx.LastImageID) {
		logger.L.Warn("Previous image missing, generating a fresh one", zap.String("image_id", imgCtx.LastImageID))
		f.modification = false
	}

	prompt := instruction
	if f.modification {
		prompt = imagectx.ModificationPrompt(imgCtx.LastPrompt, instruction)
	}

	b64, err := a.dispatcher.InvokeImage(ctx, prompt, a.imageOpts)
	if err != nil {
		f.fail(err)
		return
	}

	id := uuid.NewString()
	path, err := a.files.Save(id, b64)
	if err != nil {
		f.fail(err)
		return
	}
	f.savedImageID = id

	// A request that resumed a stored conversation continues it.
	sameConversation := f.req.ConversationID != ""
	var text string
	switch {
	case f.modification && sameConversation:
		text = replyModifiedSameConversation
	case f.modification:
		text = replyModifiedOtherConversation
	case sameConversation:
		text = replyFreshSameConversation
	default:
		text = replyFresh
	}

	url := imagestore.URL(id)
	f.reply = history.Message{
		Role:        history.RoleAssistant,
		Content:     text,
		ContentType: history.ContentImage,
		ImageURL:    &url,
	}
	f.image = &history.ImageRecord{
		ID:             id,
		UserID:         f.req.UserID,
		ConversationID: f.conv.ID,
		Prompt:         prompt,
		ImagePath:      path,
		IsModification: f.modification,
		CreatedAt:      a.now(),
	}
	if f.modification {
		original := imgCtx.LastImageID
		f.image.OriginalImageID = &original
	}
	f.modelUsed = a.dispatcher.SelectModel(llm.IntentImage, "")
	logger.L.Info("Generated image", zap.String("image_id", id), zap.Bool("modification", f.modification))
	f.advance(TriggerDispatched)
}

func (a *Agent) persist(ctx context.Context, f *fsmContext) {
	conv := f.conv
	if n := len(conv.Messages); n == 0 || !conv.Messages[n-1].SameTurn(f.userMsg) {
		conv.Messages = append(conv.Messages, f.userMsg)
	}
	conv.Messages = append(conv.Messages, f.reply)
	f.createdAt = a.now()
	conv.UpdatedAt = f.createdAt

	if err := a.store.SaveExchange(ctx, conv, f.image); err != nil {
		logger.L.Error("Failed to persist exchange", zap.String("conversation_id", conv.ID), zap.Error(err))
		f.fail(err)
		return
	}

	if f.image != nil {
		f.lease.Context().Record(f.image.ID, conv.ID, f.userMsg.Content, f.modification, f.image.CreatedAt)
	}
	f.advance(TriggerPersisted)
}

func (a *Agent) rollback(f *fsmContext) {
	if f.savedImageID == "" {
		return
	}
	if err := a.files.Remove(f.savedImageID); err != nil {
		logger.L.Warn("Failed to remove orphaned image", zap.String("image_id", f.savedImageID), zap.Error(err))
	}
}

// mergeTurns returns the history sent to a text model: the stored messages
// followed by the incoming ones, without repeating the longest run of
// incoming messages that already ends the stored history.
func mergeTurns(stored, incoming []history.Message) []history.Message {
	overlap := 0
	for k := min(len(stored), len(incoming)); k > 0; k-- {
		if sameTurns(stored[len(stored)-k:], incoming[:k]) {
			overlap = k
			break
		}
	}
	out := make([]history.Message, 0, len(stored)+len(incoming)-overlap)
	out = append(out, stored...)
	return append(out, incoming[overlap:]...)
}

func sameTurns(a, b []history.Message) bool {
	for i := range a {
		if !a[i].SameTurn(b[i]) {
			return false
		}
	}
	return true
}
