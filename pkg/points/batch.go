package points

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// BatchEngine rebuilds or overwrites balances page by page. It is stateless
// between calls; the caller carries the cursor from one page to the next.
type BatchEngine struct {
	service *Service
	content ContentStore
}

// NewBatchEngine wires a BatchEngine over the service and its content store.
func NewBatchEngine(service *Service, content ContentStore) (*BatchEngine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if content == nil {
		return nil, fmt.Errorf("%w: content store dependency is nil", ErrInvalidServiceConfig)
	}
	return &BatchEngine{service: service, content: content}, nil
}

// Recount recomputes one page of user balances from surviving visible
// content. Balances are written directly; no log entries are produced. On
// failure the returned cursor is the one passed in, so the driver resumes
// the same page.
func (engine *BatchEngine) Recount(ctx context.Context, cursor RecountCursor) (BatchResult, error) {
	cursor, err := normalizeCursor(cursor, defaultRecountPageSize)
	if err != nil {
		return BatchResult{}, err
	}
	totalUsers, users, err := engine.loadPage(ctx, cursor)
	if err != nil {
		return BatchResult{NextCursor: cursor, HasMore: true}, err
	}
	for _, user := range users {
		if err := engine.recountUser(ctx, user); err != nil {
			return BatchResult{NextCursor: cursor, HasMore: true, TotalUsers: totalUsers},
				WrapError(operationRecount, "user", "page_failed", err)
		}
	}
	engine.service.logOperation(ctx, OperationLog{Operation: operationRecount})
	return pageResult(cursor, len(users), totalUsers), nil
}

// Reset overwrites one page of balances with a fixed value, no log entries.
func (engine *BatchEngine) Reset(ctx context.Context, cursor RecountCursor, value decimal.Decimal) (BatchResult, error) {
	cursor, err := normalizeCursor(cursor, defaultResetPageSize)
	if err != nil {
		return BatchResult{}, err
	}
	rounded := engine.service.Round(value)
	totalUsers, users, err := engine.loadPage(ctx, cursor)
	if err != nil {
		return BatchResult{NextCursor: cursor, HasMore: true}, err
	}
	for _, user := range users {
		if err := engine.service.SetBalance(ctx, user.ID, rounded); err != nil {
			return BatchResult{NextCursor: cursor, HasMore: true, TotalUsers: totalUsers},
				WrapError(operationReset, "user", "page_failed", err)
		}
	}
	engine.service.logOperation(ctx, OperationLog{
		Operation: operationReset,
		Amount:    rounded.String(),
	})
	return pageResult(cursor, len(users), totalUsers), nil
}

// recountUser rebuilds one member's balance from scratch:
//
//	balance = registration + (threads + posts + votes + messages) x groupRate
//
// Forum rates apply to thread and post income only. A zero forum rate drops
// the content entirely, including the first-post exclusion, which matches
// how the live hooks never credited it. Reply credits for other members'
// threads go through the delta path so concurrent pages stay additive.
func (engine *BatchEngine) recountUser(ctx context.Context, user UserRecord) error {
	params := engine.service.rules.GroupParams(user.GroupID)
	groupRate, earns := GroupRate(params)
	if !earns {
		return nil
	}
	activity := decimal.Zero

	threads, err := engine.content.ListVisibleThreadsByAuthor(ctx, user.ID)
	if err != nil {
		return err
	}
	excludedFirstPosts := make([]PostID, 0, len(threads))
	for _, thread := range threads {
		forumRate := engine.service.rules.ForumRate(thread.ForumID)
		if forumRate.Sign() == 0 {
			continue
		}
		threadIncome := ComputeIncome(ActivityEvent{
			Kind:           IncomeThreadNew,
			CharacterCount: thread.FirstPostCharacters,
		}, params)
		activity = activity.Add(threadIncome.Mul(forumRate))
		if thread.HasPoll {
			activity = activity.Add(params.IncomeValue(IncomePollNew).Mul(forumRate))
		}
		excludedFirstPosts = append(excludedFirstPosts, thread.FirstPostID)
	}

	posts, err := engine.content.ListVisiblePostsByAuthor(ctx, user.ID, excludedFirstPosts)
	if err != nil {
		return err
	}
	for _, post := range posts {
		forumRate := engine.service.rules.ForumRate(post.ForumID)
		if forumRate.Sign() == 0 {
			continue
		}
		postIncome := ComputeIncome(ActivityEvent{
			Kind:           IncomePostNew,
			CharacterCount: post.CharacterCount,
		}, params)
		activity = activity.Add(postIncome.Mul(forumRate))
		if post.ThreadAuthorID != user.ID {
			if err := engine.creditThreadAuthor(ctx, post, forumRate); err != nil {
				return err
			}
		}
	}

	voteCount, err := engine.content.CountPollVotes(ctx, user.ID)
	if err != nil {
		return err
	}
	activity = activity.Add(params.IncomeValue(IncomePollVote).Mul(decimal.NewFromInt(int64(voteCount))))

	messageCount, err := engine.content.CountPrivateMessagesSent(ctx, user.ID)
	if err != nil {
		return err
	}
	activity = activity.Add(params.IncomeValue(IncomePrivateMessage).Mul(decimal.NewFromInt(int64(messageCount))))

	balance := params.IncomeValue(IncomeRegistration).Add(activity.Mul(groupRate))
	return engine.service.SetBalance(ctx, user.ID, balance)
}

// creditThreadAuthor pays the reply income to the thread's author, under the
// author's own group parameters.
func (engine *BatchEngine) creditThreadAuthor(ctx context.Context, post PostRecord, forumRate decimal.Decimal) error {
	authorParams := engine.service.rules.GroupParams(post.ThreadAuthorGroupID)
	authorRate, earns := GroupRate(authorParams)
	if !earns {
		return nil
	}
	credit := authorParams.IncomeValue(IncomeThreadReply).Mul(forumRate).Mul(authorRate)
	if credit.IsZero() {
		return nil
	}
	_, err := engine.service.Add(ctx, post.ThreadAuthorID, credit)
	return err
}

func (engine *BatchEngine) loadPage(ctx context.Context, cursor RecountCursor) (int, []UserRecord, error) {
	totalUsers, err := engine.content.CountUsers(ctx)
	if err != nil {
		return 0, nil, err
	}
	users, err := engine.content.ListUserPage(ctx, cursor.Start, cursor.PerPage)
	if err != nil {
		return totalUsers, nil, err
	}
	return totalUsers, users, nil
}

func normalizeCursor(cursor RecountCursor, defaultPerPage int) (RecountCursor, error) {
	if cursor.Start < 0 || cursor.PerPage < 0 {
		return RecountCursor{}, fmt.Errorf("%w: start and per-page must not be negative", ErrInvalidCursor)
	}
	if cursor.PerPage == 0 {
		cursor.PerPage = defaultPerPage
	}
	return cursor, nil
}

func pageResult(cursor RecountCursor, processed int, totalUsers int) BatchResult {
	return BatchResult{
		Processed:  processed,
		TotalUsers: totalUsers,
		NextCursor: cursor.Next(),
		HasMore:    cursor.Start+processed < totalUsers,
	}
}
