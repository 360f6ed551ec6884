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

package sweep

// This file declares the capabilities the orchestrator consumes.

import (
	"context"

	"github.com/matta/gmsweep/internal/batch"
	"github.com/matta/gmsweep/internal/message"
)

// MessageSearcher lists the ids of messages matching a query.
type MessageSearcher interface {
	Search(ctx context.Context, query string, handler func(message.ID) error) error
}

// MessageFetcher gets full message content from the remote service.
type MessageFetcher interface {
	GetMessageFull(ctx context.Context, id string) (*message.Body, error)
}

// MessageStorage provides all remote read capabilities the sweep
// needs.  Deletion goes through the batcher, not this interface.
type MessageStorage interface {
	MessageSearcher
	MessageFetcher
}

// ArchiveStore is the durable local destination for downloaded
// messages.  Satisfied by *archive.Store.
type ArchiveStore interface {
	Have(id string) bool
	Write(hdr *message.Header, raw []byte) (string, error)
	ReadChecksum(id string) (string, error)
}

// Submitter issues deletion batches.  Satisfied by *batch.Batcher.
type Submitter interface {
	Submit(ctx context.Context, ids []string, mode batch.Mode) ([]batch.Result, error)
}
