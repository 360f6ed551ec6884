// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gmail wraps the Gmail API as the remote mail service the
// sweep consumes: search, fetch, trash, and permanent delete, every
// call gated on the shared quota budget.
package gmail

import (
	"context"
	"encoding/base64"
	"log"
	"math/rand"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/matta/gmsweep/internal/message"
	"github.com/matta/gmsweep/internal/quota"

	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const (
	// ModifyScope suffices for trashing; permanent deletion
	// requires MailScope.
	ModifyScope = gmail_api.GmailModifyScope
	MailScope   = gmail_api.MailGoogleComScope
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// DeleteStatus classifies the per-id outcome of a trash or delete
// call.
type DeleteStatus int

const (
	// DeleteOK: the service confirmed the message is gone.
	DeleteOK DeleteStatus = iota

	// DeleteNotFound: the message was already absent.  Deletion
	// is idempotent per id, so callers treat this as success.
	DeleteNotFound

	// DeleteRateLimited: a transient signal (429, 5xx, network
	// error); the id may be retried.
	DeleteRateLimited

	// DeleteRejected: a permanent per-id refusal (for example
	// insufficient scope); retrying will not help.
	DeleteRejected
)

// Transient reports whether the outcome may succeed on retry.
func (s DeleteStatus) Transient() bool {
	return s == DeleteRateLimited
}

// DeleteResult is the per-id outcome of one trash or delete call.
type DeleteResult struct {
	ID     string
	Status DeleteStatus
	Err    error
}

// unitBudget admits quota units before a remote call.  Satisfied by
// *quota.Budget.
type unitBudget interface {
	Acquire(ctx context.Context, n int) error
}

const (
	// getMaxAttempts bounds the in-service retries of a rate
	// limited fetch.  Exhaustion surfaces the 429 to the caller,
	// whose own retry policy takes over.
	getMaxAttempts = 5

	getRetryBase = time.Second
	getRetryMax  = 30 * time.Second
)

// Service provides access to messages stored in Google's GMail
// system.
type Service struct {
	service *gmail_api.Service
	budget  unitBudget

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
	rand  *rand.Rand
}

func New(client *http.Client, budget *quota.Budget) (*Service, error) {
	s, err := gmail_api.New(client)
	if err != nil {
		return nil, err
	}
	return &Service{
		service: s,
		budget:  budget,
		sleep:   sleepCtx,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the jittered delay before fetch retry attempt n (0
// based): the capped exponential delay, scaled to between half and
// full value so synchronized clients spread out.
func (s *Service) backoff(attempt int) time.Duration {
	d := getRetryBase << uint(attempt)
	if d > getRetryMax || d <= 0 {
		d = getRetryMax
	}
	half := d / 2
	return half + time.Duration(s.rand.Int63n(int64(half)+1))
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// Search lists the ids of all messages matching the query, invoking
// handler for each.  Pagination consumes one list call of quota per
// page.
func (s *Service) Search(ctx context.Context, query string, handler func(message.ID) error) error {
	if err := s.budget.Acquire(ctx, quota.UnitsMessagesList); err != nil {
		return err
	}
	msgs := gmail_api.NewUsersMessagesService(s.service)
	req := msgs.List("me").Q(query)
	total := 0
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		total += len(page.Messages)
		log.Printf("listed page of Gmail messages; count %d; total so far %d", len(page.Messages), total)
		for _, msg := range page.Messages {
			m := message.ID{PermID: msg.Id, ThreadID: msg.ThreadId}
			if err := handler(m); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			err = s.budget.Acquire(ctx, quota.UnitsMessagesList)
		}
		return
	})
	log.Printf("done listing Gmail messages; total %d", total)
	if err != nil {
		err = errors.Wrapf(err, "unable to search messages with query %q", query)
	}
	return err
}

func (s *Service) getMessage(ctx context.Context, call *gmail_api.UsersMessagesGetCall) (*gmail_api.Message, error) {
	for attempt := 0; ; attempt++ {
		if err := s.budget.Acquire(ctx, quota.UnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := call.Do()
		if err == nil && isChat(msg) {
			err = ErrMessageNotFound
		}
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				if attempt+1 >= getMaxAttempts {
					return nil, errors.Wrapf(err,
						"still rate limited after %d attempts", getMaxAttempts)
				}
				if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						err = ErrMessageNotFound
					}
				}
			}
		}
		return nil, err
	}
}

// GetMessageFull fetches the complete raw message.  Returns
// ErrMessageNotFound (possibly wrapped) when the id no longer exists
// on the server.
func (s *Service) GetMessageFull(ctx context.Context, id string) (*message.Body, error) {
	msg, err := s.getMessage(ctx, gmail_api.NewUsersMessagesService(s.service).Get("me", id).
		Context(ctx).Format("raw"))
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	m := &message.Body{
		Header: message.Header{
			ID:           message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
			LabelIDs:     msg.LabelIds,
			SizeEstimate: msg.SizeEstimate,
			InternalDate: msg.InternalDate,
		},
		Raw: string(raw)}
	m.From, m.Subject = parseEnvelope(raw)
	return m, nil
}

// parseEnvelope pulls the From and Subject headers out of the raw
// message for the archive metadata.  A message that does not parse
// is archived anyway; the envelope is advisory.
func parseEnvelope(raw []byte) (from, subject string) {
	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return "", ""
	}
	return parsed.Header.Get("From"), parsed.Header.Get("Subject")
}

// GetProfile returns account level information.
func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.budget.Acquire(ctx, quota.UnitsGetProfile); err != nil {
		return nil, err
	}
	u, err := gmail_api.NewUsersService(s.service).GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return &message.Profile{
		EmailAddress:  u.EmailAddress,
		MessagesTotal: u.MessagesTotal,
	}, nil
}

// Trash moves each id to the trash, returning a per-id result in the
// same order.  An error is returned only when the context ends; all
// service level failures surface per id.
func (s *Service) Trash(ctx context.Context, ids []string) ([]DeleteResult, error) {
	return s.deleteEach(ctx, ids, quota.UnitsMessagesTrash,
		func(id string) error {
			_, err := gmail_api.NewUsersMessagesService(s.service).
				Trash("me", id).Context(ctx).Do()
			return err
		})
}

// DeletePermanent permanently deletes each id, bypassing the trash.
// Same contract as Trash.
func (s *Service) DeletePermanent(ctx context.Context, ids []string) ([]DeleteResult, error) {
	return s.deleteEach(ctx, ids, quota.UnitsMessagesDelete,
		func(id string) error {
			return gmail_api.NewUsersMessagesService(s.service).
				Delete("me", id).Context(ctx).Do()
		})
}

func (s *Service) deleteEach(ctx context.Context, ids []string, cost int,
	call func(id string) error) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(ids))
	for _, id := range ids {
		if err := s.budget.Acquire(ctx, cost); err != nil {
			return results, err
		}
		err := call(id)
		results = append(results, classifyDelete(id, err))
	}
	return results, nil
}

func classifyDelete(id string, err error) DeleteResult {
	if err == nil {
		return DeleteResult{ID: id, Status: DeleteOK}
	}
	switch cause := errors.Cause(err).(type) {
	case *googleapi.Error:
		switch {
		case cause.Code == http.StatusNotFound:
			return DeleteResult{ID: id, Status: DeleteNotFound, Err: err}
		case cause.Code == http.StatusTooManyRequests || cause.Code >= 500:
			return DeleteResult{ID: id, Status: DeleteRateLimited, Err: err}
		default:
			return DeleteResult{ID: id, Status: DeleteRejected, Err: err}
		}
	}
	// Anything that is not an explicit API refusal (network
	// errors, timeouts) is treated as transient.
	return DeleteResult{ID: id, Status: DeleteRateLimited, Err: err}
}
