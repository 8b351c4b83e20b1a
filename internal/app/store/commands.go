package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dealroom/internal/app/delivery"
	appoutbox "dealroom/internal/app/outbox"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/listings"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/shared/money"
)

// GetOrCreate returns the conversation for the triple, creating it on first
// use. An empty sellerID is resolved through the listing service.
func (s *Store) GetOrCreate(ctx context.Context, listingRef, buyerID, sellerID string) (ConversationView, error) {
	ref := listings.NormalizeRef(listingRef)
	buyerID = strings.TrimSpace(buyerID)
	sellerID = strings.TrimSpace(sellerID)
	if ref == "" {
		return ConversationView{}, fmt.Errorf("%w: listing reference is required", messages.ErrValidation)
	}
	if sellerID == "" {
		if s.listings == nil {
			return ConversationView{}, fmt.Errorf("%w: seller is required", messages.ErrValidation)
		}
		listing, err := s.listings.GetListing(ctx, ref)
		if err != nil {
			return ConversationView{}, fmt.Errorf("resolve seller for %s: %w", ref, err)
		}
		sellerID = listing.SellerID
	}
	conv, created, err := s.getOrCreate(ctx, ref, buyerID, sellerID)
	if err != nil {
		return ConversationView{}, err
	}
	e, err := s.entry(conv)
	if err != nil {
		return ConversationView{}, err
	}
	e.mu.Lock()
	view := s.view(e.conv)
	if created {
		s.emitConversation(EventConversationCreated, e.conv)
	}
	e.mu.Unlock()
	return view, nil
}

func (s *Store) getOrCreate(ctx context.Context, ref, buyerID, sellerID string) (string, bool, error) {
	id := conversations.Key(ref, buyerID, sellerID)
	if _, err := s.entry(id); err == nil {
		return id, false, nil
	}
	conv, err := conversations.New(ref, conversations.Participants{Buyer: buyerID, Seller: sellerID}, s.tick())
	if err != nil {
		return "", false, err
	}
	if err := s.saveConversation(ctx, conv); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[id]; exists {
		return id, false, nil
	}
	s.convs[id] = &entry{conv: conv}
	s.logger.Info("conversation created", "conversation_id", id, "listing_ref", ref, "buyer_id", buyerID, "seller_id", sellerID)
	return id, true, nil
}

// AppendLocal commits a locally authored message and schedules its publish.
// It returns once the message is persisted, applied and indexed.
func (s *Store) AppendLocal(ctx context.Context, conversationID string, draft messages.Draft) (messages.Message, *Outbound, error) {
	e, err := s.entry(conversationID)
	if err != nil {
		return messages.Message{}, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv

	senderID := strings.TrimSpace(draft.SenderID)
	counterpart, ok := conv.Participants.Counterpart(senderID)
	if !ok {
		return messages.Message{}, nil, fmt.Errorf("%w: %s", conversations.ErrNotParticipant, senderID)
	}
	content := draft.Content
	if offer, ok := content.(messages.Offer); ok {
		offer.State = messages.OfferPending
		if offer.RequiresResponseFrom == "" {
			offer.RequiresResponseFrom = counterpart
		}
		if currency, err := money.NormalizeCurrency(offer.Amount.Currency); err == nil {
			offer.Amount.Currency = currency
		}
		content = offer
	}
	msg, err := messages.New(newID(), conv.ID, senderID, s.tick(), content)
	if err != nil {
		return messages.Message{}, nil, err
	}
	if err := s.saveMessages(ctx, msg); err != nil {
		return messages.Message{}, nil, err
	}
	if _, err := conv.Append(msg); err != nil {
		return messages.Message{}, nil, err
	}
	s.afterAppend(ctx, conv, msg)
	out := s.dispatch.enqueue(delivery.ForMessage(s.cfg.NodeID, msg).WithThread(threadOf(conv)))
	return msg, out, nil
}

func (s *Store) afterAppend(ctx context.Context, conv *conversations.Conversation, msgs ...messages.Message) {
	if err := s.saveConversation(ctx, conv); err != nil {
		s.logger.Warn("conversation header not persisted", "conversation_id", conv.ID, "error", err)
	}
	ref := refOf(conv)
	for _, m := range msgs {
		s.index.Add(ref, m)
		s.emitMessage(EventMessageAppended, m)
	}
	s.emitConversation(EventConversationUpdated, conv)
}

func (s *Store) SendText(ctx context.Context, conversationID, senderID, body string) (messages.Message, *Outbound, error) {
	return s.AppendLocal(ctx, conversationID, messages.Draft{SenderID: senderID, Content: messages.Text{Body: body}})
}

func (s *Store) SendOffer(ctx context.Context, conversationID, senderID string, amount money.Money) (messages.Message, *Outbound, error) {
	return s.AppendLocal(ctx, conversationID, messages.Draft{SenderID: senderID, Content: messages.Offer{Amount: amount}})
}

func (s *Store) SendFile(ctx context.Context, conversationID, senderID string, file messages.File) (messages.Message, *Outbound, error) {
	return s.AppendLocal(ctx, conversationID, messages.Draft{SenderID: senderID, Content: file})
}

// Response is a participant's answer to a pending offer. Amount is used by
// counter; Reason by decline.
type Response struct {
	ActorID string
	Action  messages.OfferAction
	Amount  money.Money
	Reason  string
}

// ResponseResult carries the updated offer and whatever the response
// appended: the counter offer or the decline note.
type ResponseResult struct {
	Offer    messages.Message
	Counter  *messages.Message
	Note     *messages.Message
	Outbound []*Outbound
}

// RespondToOffer applies an offer transition authored on this node.
func (s *Store) RespondToOffer(ctx context.Context, conversationID, offerID string, resp Response) (ResponseResult, error) {
	e, err := s.entry(conversationID)
	if err != nil {
		return ResponseResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv

	actorID := strings.TrimSpace(resp.ActorID)
	if !conv.Participants.Has(actorID) {
		return ResponseResult{}, fmt.Errorf("%w: %s", conversations.ErrNotParticipant, actorID)
	}
	current, ok := conv.Message(offerID)
	if !ok {
		return ResponseResult{}, fmt.Errorf("%w: offer %s", conversations.ErrNotFound, offerID)
	}
	offer, ok := current.Offer()
	if !ok {
		return ResponseResult{}, fmt.Errorf("%w: offer %s", conversations.ErrNotFound, offerID)
	}
	next, err := offer.Transition(resp.Action, actorID, current.SenderID)
	if err != nil {
		return ResponseResult{}, err
	}

	now := s.tick()
	transition := messages.OfferTransition{
		ID:             newID(),
		ConversationID: conv.ID,
		OfferID:        current.ID,
		Action:         resp.Action,
		ActorID:        actorID,
		At:             now,
	}
	var appended []messages.Message
	switch resp.Action {
	case messages.ActionCounter:
		amount := resp.Amount
		if amount.Currency == "" {
			amount.Currency = offer.Amount.Currency
		}
		if currency, err := money.NormalizeCurrency(amount.Currency); err == nil {
			amount.Currency = currency
		}
		counter, err := messages.New(newID(), conv.ID, actorID, s.tick(), messages.Offer{
			Amount:               amount,
			RequiresResponseFrom: current.SenderID,
			InReplyTo:            current.ID,
		})
		if err != nil {
			return ResponseResult{}, err
		}
		transition.CounterOfferID = counter.ID
		appended = append(appended, counter)
	case messages.ActionDecline:
		if reason := strings.TrimSpace(resp.Reason); reason != "" {
			note, err := messages.New(newID(), conv.ID, actorID, s.tick(), messages.Text{Body: reason})
			if err != nil {
				return ResponseResult{}, err
			}
			appended = append(appended, note)
		}
	}

	updated := current
	updated.Content = next
	if err := s.saveMessages(ctx, append([]messages.Message{updated}, appended...)...); err != nil {
		return ResponseResult{}, err
	}
	applied, err := conv.Respond(offerID, resp.Action, actorID, now, true)
	if err != nil {
		return ResponseResult{}, err
	}
	for _, m := range appended {
		if _, err := conv.Append(m); err != nil {
			return ResponseResult{}, err
		}
	}
	s.index.Update(applied)
	s.emitMessage(EventMessageUpdated, applied)
	s.afterAppend(ctx, conv, appended...)
	s.recordEvents(ctx, conv)

	result := ResponseResult{Offer: applied}
	result.Outbound = append(result.Outbound, s.dispatch.enqueue(delivery.ForTransition(s.cfg.NodeID, transition).WithThread(threadOf(conv))))
	for i := range appended {
		m := appended[i]
		if resp.Action == messages.ActionCounter {
			result.Counter = &m
		} else {
			result.Note = &m
		}
		result.Outbound = append(result.Outbound, s.dispatch.enqueue(delivery.ForMessage(s.cfg.NodeID, m).WithThread(threadOf(conv))))
	}
	s.logger.Info("offer transition applied", "conversation_id", conv.ID, "offer_id", offerID, "action", resp.Action, "actor_id", actorID)
	return result, nil
}

// recordEvents hands drained domain events to the outbox and to watchers.
func (s *Store) recordEvents(ctx context.Context, conv *conversations.Conversation) {
	evs := conv.DrainEvents()
	if len(evs) == 0 {
		return
	}
	if err := appoutbox.RecordDomainEvents(ctx, s.outbox, s.encoder, evs); err != nil {
		s.logger.Error("outbox record failed", "conversation_id", conv.ID, "error", err)
	}
	for _, ev := range evs {
		if accepted, ok := ev.(conversations.OfferAccepted); ok {
			s.emit(Event{Kind: EventOfferAccepted, ConversationID: conv.ID, Accepted: &accepted, At: accepted.At})
		}
	}
}

// IngestRemote applies a message received from the channel. Messages already
// present are ignored and reported with applied=false. Transitions that
// arrived ahead of an offer are replayed once the offer lands.
func (s *Store) IngestRemote(ctx context.Context, msg messages.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	e, err := s.entry(msg.ConversationID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	if conv.Has(msg.ID) {
		s.logger.Debug("duplicate ingest ignored", "conversation_id", conv.ID, "message_id", msg.ID)
		return false, nil
	}
	if !conv.Participants.Has(msg.SenderID) {
		return false, fmt.Errorf("%w: %s", conversations.ErrNotParticipant, msg.SenderID)
	}
	msg.Delivery = messages.DeliverySent
	msg.Read = false
	if err := s.saveMessages(ctx, msg); err != nil {
		return false, err
	}
	if _, err := conv.Append(msg); err != nil {
		return false, err
	}
	s.afterAppend(ctx, conv, msg)
	if _, ok := msg.Offer(); ok {
		s.replayParked(ctx, e, msg.ID)
	}
	return true, nil
}

// replayParked must be called with the entry lock held. A parked transition
// that no longer applies is logged and discarded.
func (s *Store) replayParked(ctx context.Context, e *entry, offerID string) {
	for _, t := range e.unpark(offerID) {
		if _, err := s.applyTransition(ctx, e.conv, t); err != nil {
			s.logger.Warn("parked transition rejected", "conversation_id", t.ConversationID, "offer_id", offerID, "transition_id", t.ID, "error", err)
			continue
		}
		s.logger.Debug("parked transition replayed", "conversation_id", t.ConversationID, "offer_id", offerID, "action", t.Action)
	}
}

// IngestTransition replays an offer response made elsewhere. A transition
// whose target state already holds is a no-op. A transition for an offer not
// received yet is parked and reported with applied=false.
func (s *Store) IngestTransition(ctx context.Context, t messages.OfferTransition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	e, err := s.entry(t.ConversationID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conv.Has(t.OfferID) {
		if e.park(t) {
			s.logger.Debug("transition parked until offer arrives", "conversation_id", t.ConversationID, "offer_id", t.OfferID, "action", t.Action)
		}
		return false, nil
	}
	return s.applyTransition(ctx, e.conv, t)
}

func (s *Store) applyTransition(ctx context.Context, conv *conversations.Conversation, t messages.OfferTransition) (bool, error) {
	current, ok := conv.Message(t.OfferID)
	if !ok {
		return false, fmt.Errorf("%w: offer %s", conversations.ErrNotFound, t.OfferID)
	}
	offer, ok := current.Offer()
	if !ok {
		return false, fmt.Errorf("%w: offer %s", conversations.ErrNotFound, t.OfferID)
	}
	if offer.State == t.Action.Target() {
		s.logger.Debug("duplicate transition ignored", "conversation_id", conv.ID, "offer_id", t.OfferID)
		return false, nil
	}
	next, err := offer.Transition(t.Action, t.ActorID, current.SenderID)
	if err != nil {
		return false, err
	}
	updated := current
	updated.Content = next
	if err := s.saveMessages(ctx, updated); err != nil {
		return false, err
	}
	applied, changed, err := conv.Replay(t)
	if err != nil || !changed {
		return false, err
	}
	if err := s.saveConversation(ctx, conv); err != nil {
		s.logger.Warn("conversation header not persisted", "conversation_id", conv.ID, "error", err)
	}
	s.index.Update(applied)
	s.emitMessage(EventMessageUpdated, applied)
	s.emitConversation(EventConversationUpdated, conv)
	return true, nil
}

// HandleEnvelope is the Channel handler. Own echoes are skipped and unknown
// conversations are created from the envelope thread.
func (s *Store) HandleEnvelope(ctx context.Context, env delivery.Envelope) error {
	if env.Origin != "" && env.Origin == s.cfg.NodeID {
		return nil
	}
	if err := env.Validate(); err != nil {
		s.logger.Warn("dropping invalid envelope", "envelope_id", env.ID, "error", err)
		return nil
	}
	if _, err := s.entry(env.ConversationID); err != nil && env.Thread != nil {
		th := env.Thread
		if conversations.Key(listings.NormalizeRef(th.ListingRef), th.BuyerID, th.SellerID) == env.ConversationID {
			if _, err := s.GetOrCreate(ctx, th.ListingRef, th.BuyerID, th.SellerID); err != nil {
				return err
			}
		}
	}
	var err error
	switch {
	case env.Message != nil:
		_, err = s.IngestRemote(ctx, *env.Message)
	case env.Transition != nil:
		_, err = s.IngestTransition(ctx, *env.Transition)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, messages.ErrValidation),
		errors.Is(err, messages.ErrInvalidTransition),
		errors.Is(err, messages.ErrActorNotAllowed),
		errors.Is(err, conversations.ErrNotFound):
		s.logger.Warn("inbound envelope rejected", "envelope_id", env.ID, "conversation_id", env.ConversationID, "error", err)
		return nil
	default:
		return err
	}
}

// MarkRead zeroes the participant's unread counter.
func (s *Store) MarkRead(ctx context.Context, conversationID, participantID string) error {
	e, err := s.entry(conversationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	hadUnread := conv.Unread(participantID) > 0
	changed, err := conv.MarkRead(participantID)
	if err != nil {
		return err
	}
	if !hadUnread && len(changed) == 0 {
		return nil
	}
	if err := s.saveMessages(ctx, changed...); err != nil {
		return err
	}
	if err := s.saveConversation(ctx, conv); err != nil {
		return err
	}
	for _, m := range changed {
		s.index.Update(m)
	}
	s.emitConversation(EventConversationUpdated, conv)
	return nil
}

// Focus records whether the participant is viewing the conversation. Focused
// participants do not accumulate unread messages.
func (s *Store) Focus(ctx context.Context, conversationID, participantID string, focused bool) error {
	e, err := s.entry(conversationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.SetFocus(participantID, focused)
}

func (s *Store) Archive(ctx context.Context, conversationID string) error {
	return s.setArchived(ctx, conversationID, true)
}

func (s *Store) Unarchive(ctx context.Context, conversationID string) error {
	return s.setArchived(ctx, conversationID, false)
}

func (s *Store) setArchived(ctx context.Context, conversationID string, archived bool) error {
	e, err := s.entry(conversationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	if conv.Archived == archived {
		return nil
	}
	snapshot := conv.Snapshot()
	snapshot.Archived = archived
	if s.repo != nil {
		if err := s.repo.SaveConversation(ctx, snapshot); err != nil {
			return fmt.Errorf("store: save conversation %s: %w", conv.ID, err)
		}
	}
	if archived {
		conv.Archive()
	} else {
		conv.Unarchive()
	}
	s.emitConversation(EventConversationUpdated, conv)
	return nil
}

// Retry republishes a failed outbound message under the same id.
func (s *Store) Retry(ctx context.Context, conversationID, messageID string) (*Outbound, error) {
	e, err := s.entry(conversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conv
	msg, ok := conv.Message(messageID)
	if !ok {
		return nil, fmt.Errorf("%w: message %s", conversations.ErrNotFound, messageID)
	}
	if msg.Delivery != messages.DeliveryFailed {
		return nil, fmt.Errorf("%w: message %s is %s", ErrNotRetryable, messageID, msg.Delivery)
	}
	msg.Delivery = messages.DeliverySending
	if err := s.saveMessages(ctx, msg); err != nil {
		return nil, err
	}
	updated, err := conv.SetDelivery(messageID, messages.DeliverySending)
	if err != nil {
		return nil, err
	}
	s.index.Update(updated)
	s.emitMessage(EventMessageUpdated, updated)
	s.logger.Info("retrying message", "conversation_id", conv.ID, "message_id", messageID)
	return s.dispatch.enqueue(delivery.ForMessage(s.cfg.NodeID, updated).WithThread(threadOf(conv))), nil
}

// publishSettled records the final delivery status of an outbound message.
// Transition envelopes carry no delivery status.
func (s *Store) publishSettled(env delivery.Envelope, status messages.DeliveryStatus) {
	if env.Message == nil {
		if status == messages.DeliveryFailed {
			s.logger.Warn("offer transition not delivered", "envelope_id", env.ID, "conversation_id", env.ConversationID)
		}
		return
	}
	e, err := s.entry(env.ConversationID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, ok := e.conv.Message(env.Message.ID)
	if !ok || msg.Delivery == status {
		return
	}
	msg.Delivery = status
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.saveMessages(ctx, msg); err != nil {
		s.logger.Warn("delivery status not persisted", "message_id", msg.ID, "error", err)
	}
	updated, err := e.conv.SetDelivery(msg.ID, status)
	if err != nil {
		return
	}
	s.index.Update(updated)
	s.emitMessage(EventMessageUpdated, updated)
}

// Attach subscribes the store to every conversation on its channel.
func (s *Store) Attach(ctx context.Context) (delivery.Subscription, error) {
	sub, err := s.channel.Subscribe(ctx, "", s.HandleEnvelope)
	if err != nil {
		return nil, fmt.Errorf("store: attach: %w", err)
	}
	return sub, nil
}
