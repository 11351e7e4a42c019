package scanner

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
)

// MailboxStatus is what selecting the folder reports.
type MailboxStatus struct {
	UIDValidity uint32
	NumMessages uint32
}

// RawMessage is one fetched message, body included.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Session is an open connection to one mailbox folder.
type Session interface {
	Status() MailboxStatus
	// SearchUIDs returns UIDs strictly after the watermark when afterUID
	// is non-zero, otherwise every UID received within the since window
	// (or all of them when since is zero).
	SearchUIDs(afterUID uint32, since time.Time) ([]uint32, error)
	Fetch(uid uint32) (RawMessage, error)
	Close() error
}

// Dialer opens sessions. The production implementation speaks IMAP over
// TLS; tests substitute a scripted one.
type Dialer interface {
	Dial(cfg *models.MailboxConfig) (Session, error)
}

// IMAPDialer connects to the configured server and selects INBOX.
type IMAPDialer struct{}

func (IMAPDialer) Dial(cfg *models.MailboxConfig) (Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAPServer, cfg.IMAPPort)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := client.Login(cfg.Username, cfg.Credential).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("login %s: %w", cfg.Username, err)
	}
	selected, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	return &imapSession{
		client: client,
		status: MailboxStatus{
			UIDValidity: selected.UIDValidity,
			NumMessages: selected.NumMessages,
		},
	}, nil
}

type imapSession struct {
	client *imapclient.Client
	status MailboxStatus
}

func (s *imapSession) Status() MailboxStatus {
	return s.status
}

func (s *imapSession) SearchUIDs(afterUID uint32, since time.Time) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if afterUID > 0 {
		var uids imap.UIDSet
		uids.AddRange(imap.UID(afterUID+1), 0)
		criteria.UID = []imap.UIDSet{uids}
	} else if !since.IsZero() {
		criteria.Since = since
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *imapSession) Fetch(uid uint32) (RawMessage, error) {
	section := &imap.FetchItemBodySection{}
	cmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	messages, err := cmd.Collect()
	if err != nil {
		return RawMessage{}, fmt.Errorf("uid fetch %d: %w", uid, err)
	}
	if len(messages) == 0 {
		return RawMessage{}, fmt.Errorf("uid fetch %d: no data", uid)
	}
	body := messages[0].FindBodySection(section)
	if body == nil {
		return RawMessage{}, fmt.Errorf("uid fetch %d: missing body", uid)
	}
	return RawMessage{UID: uid, Body: body}, nil
}

func (s *imapSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return nil
}
