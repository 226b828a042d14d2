package points

import (
	"context"
	"fmt"
)

// Hooks adapts forum lifecycle callbacks onto the calculator, the rate
// resolver and the ledger. Every callback takes an explicit context struct;
// nothing is read from ambient state. Moderation reversals negate the award
// the original action produced, so approve/unapprove round trips net zero.
type Hooks struct {
	service *Service
}

// NewHooks wires the hook layer.
func NewHooks(service *Service) (*Hooks, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	return &Hooks{service: service}, nil
}

// PostContext describes a reply post. ThreadAuthorID and ThreadAuthorGroupID
// identify the thread starter, who earns the reply credit when someone else
// responds.
type PostContext struct {
	PostID              PostID
	ThreadID            ThreadID
	ForumID             ForumID
	AuthorID            UserID
	AuthorGroupID       GroupID
	CharacterCount      int
	ThreadAuthorID      UserID
	ThreadAuthorGroupID GroupID
}

// ThreadContext describes a thread through its first post.
type ThreadContext struct {
	ThreadID            ThreadID
	ForumID             ForumID
	AuthorID            UserID
	AuthorGroupID       GroupID
	FirstPostCharacters int
	HasPoll             bool
}

// MessageContext describes a sent private message.
type MessageContext struct {
	SenderID      UserID
	SenderGroupID GroupID
	RecipientID   UserID
}

// PostCommitted credits a new visible reply: post income to its author and
// the reply credit to the thread starter when they differ.
func (hooks *Hooks) PostCommitted(ctx context.Context, post PostContext) error {
	if err := hooks.award(ctx, postEvent(post), postReferences(post), ""); err != nil {
		return err
	}
	return hooks.award(ctx, replyCreditEvent(post), replyCreditReferences(post), "")
}

// PostApproved mirrors PostCommitted for moderation approval.
func (hooks *Hooks) PostApproved(ctx context.Context, post PostContext) error {
	return hooks.PostCommitted(ctx, post)
}

// PostRestored mirrors PostCommitted for soft-delete restoration.
func (hooks *Hooks) PostRestored(ctx context.Context, post PostContext) error {
	return hooks.PostCommitted(ctx, post)
}

// PostUnapproved takes back the post award and the reply credit.
func (hooks *Hooks) PostUnapproved(ctx context.Context, post PostContext) error {
	if err := hooks.reverse(ctx, postEvent(post), postReferences(post), ""); err != nil {
		return err
	}
	return hooks.reverse(ctx, replyCreditEvent(post), replyCreditReferences(post), "")
}

// PostSoftDeleted mirrors PostUnapproved.
func (hooks *Hooks) PostSoftDeleted(ctx context.Context, post PostContext) error {
	return hooks.PostUnapproved(ctx, post)
}

// PostDeleted mirrors PostUnapproved for hard deletion of a visible post.
func (hooks *Hooks) PostDeleted(ctx context.Context, post PostContext) error {
	return hooks.PostUnapproved(ctx, post)
}

// PostEdited credits or charges the character delta of an edit. There is no
// minimum-length gate on edits; removing text costs points.
func (hooks *Hooks) PostEdited(ctx context.Context, post PostContext, oldCharacterCount int) error {
	event := ActivityEvent{
		Kind:              IncomePostEdit,
		UserID:            post.AuthorID,
		GroupID:           post.AuthorGroupID,
		ForumID:           post.ForumID,
		CharacterCount:    post.CharacterCount,
		OldCharacterCount: oldCharacterCount,
	}
	return hooks.award(ctx, event, postReferences(post), "")
}

// ThreadCommitted credits a new visible thread, first-post bonus included.
func (hooks *Hooks) ThreadCommitted(ctx context.Context, thread ThreadContext) error {
	return hooks.award(ctx, threadEvent(thread), threadReferences(thread), "")
}

// ThreadApproved mirrors ThreadCommitted.
func (hooks *Hooks) ThreadApproved(ctx context.Context, thread ThreadContext) error {
	return hooks.ThreadCommitted(ctx, thread)
}

// ThreadRestored mirrors ThreadCommitted.
func (hooks *Hooks) ThreadRestored(ctx context.Context, thread ThreadContext) error {
	return hooks.ThreadCommitted(ctx, thread)
}

// ThreadUnapproved takes back the thread award.
func (hooks *Hooks) ThreadUnapproved(ctx context.Context, thread ThreadContext) error {
	return hooks.reverse(ctx, threadEvent(thread), threadReferences(thread), "")
}

// ThreadSoftDeleted mirrors ThreadUnapproved.
func (hooks *Hooks) ThreadSoftDeleted(ctx context.Context, thread ThreadContext) error {
	return hooks.ThreadUnapproved(ctx, thread)
}

// ThreadDeleted takes back the thread award, its poll income if any, and
// every surviving reply's awards. Callers pass the replies that were still
// visible at deletion time.
func (hooks *Hooks) ThreadDeleted(ctx context.Context, thread ThreadContext, replies []PostContext) error {
	if err := hooks.ThreadUnapproved(ctx, thread); err != nil {
		return err
	}
	if thread.HasPoll {
		if err := hooks.PollDeleted(ctx, thread); err != nil {
			return err
		}
	}
	for _, reply := range replies {
		if err := hooks.PostUnapproved(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// PollCreated credits poll creation to the thread author.
func (hooks *Hooks) PollCreated(ctx context.Context, thread ThreadContext) error {
	return hooks.award(ctx, pollEvent(thread), threadReferences(thread), "")
}

// PollDeleted takes back the poll creation award.
func (hooks *Hooks) PollDeleted(ctx context.Context, thread ThreadContext) error {
	return hooks.reverse(ctx, pollEvent(thread), threadReferences(thread), "")
}

// PollVoted credits one vote. Votes ignore forum rates.
func (hooks *Hooks) PollVoted(ctx context.Context, voterID UserID, voterGroupID GroupID, thread ThreadContext) error {
	event := ActivityEvent{Kind: IncomePollVote, UserID: voterID, GroupID: voterGroupID}
	return hooks.award(ctx, event, threadReferences(thread), "")
}

// PollVoteUndone takes back one vote's award.
func (hooks *Hooks) PollVoteUndone(ctx context.Context, voterID UserID, voterGroupID GroupID, thread ThreadContext) error {
	event := ActivityEvent{Kind: IncomePollVote, UserID: voterID, GroupID: voterGroupID}
	return hooks.reverse(ctx, event, threadReferences(thread), "")
}

// ThreadRated credits the thread author for receiving a rating.
func (hooks *Hooks) ThreadRated(ctx context.Context, thread ThreadContext) error {
	event := ActivityEvent{Kind: IncomeThreadRate, UserID: thread.AuthorID, GroupID: thread.AuthorGroupID}
	return hooks.award(ctx, event, threadReferences(thread), "")
}

// PrivateMessageSent credits the sender. Self-addressed messages earn
// nothing.
func (hooks *Hooks) PrivateMessageSent(ctx context.Context, message MessageContext) error {
	if message.RecipientID == message.SenderID {
		return nil
	}
	event := ActivityEvent{Kind: IncomePrivateMessage, UserID: message.SenderID, GroupID: message.SenderGroupID}
	references := References{Primary: int64(message.RecipientID)}
	return hooks.award(ctx, event, references, "")
}

// PageViewed credits one page view without a log entry.
func (hooks *Hooks) PageViewed(ctx context.Context, userID UserID, groupID GroupID) error {
	return hooks.addUnlogged(ctx, ActivityEvent{Kind: IncomePageView, UserID: userID, GroupID: groupID})
}

// SessionVisit credits a returning visit when enough time has passed since
// the user was last active. Fires at most once per interval; no log entry.
func (hooks *Hooks) SessionVisit(ctx context.Context, user UserRecord) error {
	params := hooks.service.rules.GroupParams(user.GroupID)
	elapsed := hooks.service.nowFn() - user.LastActiveUnixUTC
	if elapsed <= int64(params.VisitMinutes)*60 {
		return nil
	}
	return hooks.addUnlogged(ctx, ActivityEvent{Kind: IncomeVisit, UserID: user.ID, GroupID: user.GroupID})
}

// UserRegistered credits the sign-up bonus.
func (hooks *Hooks) UserRegistered(ctx context.Context, userID UserID, groupID GroupID) error {
	event := ActivityEvent{Kind: IncomeRegistration, UserID: userID, GroupID: groupID}
	return hooks.award(ctx, event, References{}, "")
}

// UserReferred credits the referrer for a completed referral.
func (hooks *Hooks) UserReferred(ctx context.Context, referrerID UserID, referrerGroupID GroupID, newUserID UserID) error {
	event := ActivityEvent{Kind: IncomeReferral, UserID: referrerID, GroupID: referrerGroupID}
	return hooks.award(ctx, event, References{Primary: int64(newUserID)}, "")
}

func (hooks *Hooks) award(ctx context.Context, event ActivityEvent, references References, note string) error {
	if event.UserID == 0 {
		return nil
	}
	_, _, err := hooks.service.Award(ctx, event, references, note)
	return err
}

// reverse applies the negated award under the same action tag, typed as a
// charge, so the pair cancels exactly.
func (hooks *Hooks) reverse(ctx context.Context, event ActivityEvent, references References, note string) error {
	if event.UserID == 0 {
		return nil
	}
	amount, earned := hooks.service.awardAmount(event)
	if !earned || amount.IsZero() {
		return nil
	}
	_, _, err := hooks.service.apply(ctx, event.UserID, amount.Neg(), LogEntry{
		Action:      IncomeAction(event.Kind),
		Note:        note,
		PrimaryID:   references.Primary,
		SecondaryID: references.Secondary,
		TertiaryID:  references.Tertiary,
		Type:        LogTypeCharge,
	})
	return err
}

// addUnlogged credits the award without an audit line; high-frequency kinds
// would swamp the log.
func (hooks *Hooks) addUnlogged(ctx context.Context, event ActivityEvent) error {
	amount, earned := hooks.service.awardAmount(event)
	if !earned || amount.IsZero() {
		return nil
	}
	_, err := hooks.service.Add(ctx, event.UserID, amount)
	return err
}

func postEvent(post PostContext) ActivityEvent {
	return ActivityEvent{
		Kind:           IncomePostNew,
		UserID:         post.AuthorID,
		GroupID:        post.AuthorGroupID,
		ForumID:        post.ForumID,
		CharacterCount: post.CharacterCount,
	}
}

func postReferences(post PostContext) References {
	return References{
		Primary:   int64(post.PostID),
		Secondary: int64(post.ThreadID),
		Tertiary:  int64(post.ForumID),
	}
}

// replyCreditEvent targets the thread starter, under the starter's own group.
func replyCreditEvent(post PostContext) ActivityEvent {
	if post.ThreadAuthorID == post.AuthorID {
		return ActivityEvent{}
	}
	return ActivityEvent{
		Kind:    IncomeThreadReply,
		UserID:  post.ThreadAuthorID,
		GroupID: post.ThreadAuthorGroupID,
		ForumID: post.ForumID,
	}
}

func replyCreditReferences(post PostContext) References {
	return References{
		Primary:   int64(post.ThreadID),
		Secondary: int64(post.PostID),
		Tertiary:  int64(post.ForumID),
	}
}

func threadEvent(thread ThreadContext) ActivityEvent {
	return ActivityEvent{
		Kind:           IncomeThreadNew,
		UserID:         thread.AuthorID,
		GroupID:        thread.AuthorGroupID,
		ForumID:        thread.ForumID,
		CharacterCount: thread.FirstPostCharacters,
	}
}

func threadReferences(thread ThreadContext) References {
	return References{
		Primary:  int64(thread.ThreadID),
		Tertiary: int64(thread.ForumID),
	}
}

func pollEvent(thread ThreadContext) ActivityEvent {
	return ActivityEvent{
		Kind:    IncomePollNew,
		UserID:  thread.AuthorID,
		GroupID: thread.AuthorGroupID,
		ForumID: thread.ForumID,
	}
}
