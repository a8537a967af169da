package gmail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"cloudidian/internal/highlight"
	"cloudidian/internal/util"
)

const (
	user        = "me"
	workerCount = 8
)

// FetchRows reads the newest n inbox messages and returns them in inbox
// order, with label ids resolved to names. Classes are not set; that is
// the highlight tracker's job.
func FetchRows(ctx context.Context, svc *gmailv1.Service, n int64) ([]highlight.Row, error) {
	names, err := labelNames(ctx, svc)
	if err != nil {
		return nil, err
	}
	list, err := svc.Users.Messages.List(user).
		LabelIds("INBOX").
		MaxResults(n).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	ids := make([]string, 0, len(list.Messages))
	for _, m := range list.Messages {
		ids = append(ids, m.Id)
	}
	return fetchMetadataBatch(ctx, svc, ids, names)
}

func labelNames(ctx context.Context, svc *gmailv1.Service) (map[string]string, error) {
	resp, err := svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	out := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		out[l.Id] = l.Name
	}
	return out, nil
}

// fetchMetadataBatch gets message metadata with a bounded worker pool.
// Results keep the order of ids; messages that fail are dropped and the
// first error is returned alongside what did load.
func fetchMetadataBatch(ctx context.Context, svc *gmailv1.Service, ids []string, names map[string]string) ([]highlight.Row, error) {
	type result struct {
		row highlight.Row
		ok  bool
		err error
	}
	jobs := make(chan int, len(ids))
	results := make([]result, len(ids))

	var wg sync.WaitGroup
	workers := min(workerCount, len(ids))
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					results[idx] = result{err: ctx.Err()}
					continue
				}
				msg, err := svc.Users.Messages.Get(user, ids[idx]).
					Format("metadata").
					MetadataHeaders("From", "Subject", "Date").
					Context(ctx).
					Do()
				if err != nil {
					results[idx] = result{err: fmt.Errorf("get message %s: %w", ids[idx], err)}
					continue
				}
				results[idx] = result{row: rowFromMessage(msg, names), ok: true}
			}
		}()
	}
	for i := range ids {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := make([]highlight.Row, 0, len(ids))
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.ok {
			out = append(out, r.row)
		}
	}
	return out, firstErr
}

func rowFromMessage(msg *gmailv1.Message, names map[string]string) highlight.Row {
	var from, subject, date string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				from = h.Value
			case "subject":
				subject = h.Value
			case "date":
				date = h.Value
			}
		}
	}
	labels := make([]string, 0, len(msg.LabelIds))
	for _, id := range msg.LabelIds {
		if n, ok := names[id]; ok {
			labels = append(labels, n)
		} else {
			labels = append(labels, id)
		}
	}
	sender := util.NormalizeSender(from)
	return highlight.Row{
		ID:      msg.Id,
		From:    util.DisplayName(from, sender),
		Sender:  sender,
		Subject: subject,
		Date:    parseDateRFC3339(date),
		Labels:  labels,
	}
}

func parseDateRFC3339(h string) string {
	if h == "" {
		return ""
	}
	// Strip a trailing zone comment such as "(UTC)".
	if i := strings.Index(h, " ("); i > 0 {
		h = h[:i]
	}
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		time.RFC850,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, h); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}
