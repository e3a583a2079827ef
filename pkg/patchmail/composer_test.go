package patchmail

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestComposer() *Composer {
	c := NewComposer(Options{
		FromTemplate:    "{forge_user} via patchbridge <bridge@example.com>",
		MessageIDDomain: "bridge.example.com",
		WrapWidth:       72,
		MaxEmails:       25,
	})
	n := 0
	c.newID = func() string {
		n++
		return fmt.Sprintf("<id%d@bridge.example.com>", n)
	}
	c.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func formatPatch(sha, title string) string {
	return "From " + sha + " Mon Sep 17 00:00:00 2001\n" +
		"From: Alice <alice@example.com>\n" +
		"Date: Mon, 1 Jan 2024 00:00:00 +0000\n" +
		"Subject: [PATCH] " + title + "\n\n" +
		"Body of " + title + "\n\nSigned-off-by: Alice <alice@example.com>\n" +
		"---\n x | 1 +\n\ndiff --git a/x b/x\n"
}

func seriesInput(version int, commits ...string) SeriesInput {
	in := SeriesInput{
		ForgeHost:   "gitlab.example.com",
		ListAddress: "dev@lists.example.com",
		Version:     version,
		MergeRequest: MergeRequestInfo{
			IID:         7,
			Title:       "Fix bug",
			Description: "This fixes the bug.\n\nCc: Carol <carol@example.com>",
			WebURL:      "https://gitlab.example.com/group/proj/-/merge_requests/7",
			ProjectURL:  "https://gitlab.example.com/group/proj",
			Author:      "alice",
		},
	}
	for i, title := range commits {
		sha := fmt.Sprintf("%040d", i+1)
		in.Commits = append(in.Commits, CommitInfo{
			SHA: sha, Title: title, AuthorName: "Alice", AuthorEmail: "alice@example.com",
			Message: title + "\n\nSigned-off-by: Alice <alice@example.com>",
			Patch:   formatPatch(sha, title),
		})
	}
	return in
}

func TestComposeSeriesTwoCommits(t *testing.T) {
	c := newTestComposer()
	emails := c.ComposeSeries(seriesInput(1, "Fix the first half", "Fix the second half"))

	if len(emails) != 3 {
		t.Fatalf("got %d emails, want cover + 2 patches", len(emails))
	}
	cover := emails[0].Message
	if emails[0].Kind != KindCover || cover.Subject != "[PATCH v1 0/2] Fix bug" {
		t.Errorf("cover subject = %q", cover.Subject)
	}
	if cover.From != "alice via patchbridge <bridge@example.com>" {
		t.Errorf("from = %q", cover.From)
	}
	if cover.InReplyTo != "" {
		t.Errorf("first version cover replies to %q", cover.InReplyTo)
	}
	if !strings.HasPrefix(cover.Body, "From: alice on gitlab.example.com\n\nThis fixes the bug.") {
		t.Errorf("cover body = %q", cover.Body)
	}

	for i, e := range emails[1:] {
		want := fmt.Sprintf("[PATCH v1 %d/2]", i+1)
		if e.Kind != KindPatch || !strings.HasPrefix(e.Message.Subject, want) {
			t.Errorf("patch %d subject = %q", i+1, e.Message.Subject)
		}
		if e.Message.InReplyTo != cover.MessageID {
			t.Errorf("patch %d not threaded under cover", i+1)
		}
		if e.Message.Headers[HeaderCommit] != e.CommitSHA {
			t.Errorf("patch %d commit header = %q", i+1, e.Message.Headers[HeaderCommit])
		}
		if !strings.HasPrefix(e.Message.Body, "From: \"Alice\" <alice@example.com>\n\nBody of") {
			t.Errorf("patch %d body = %q", i+1, e.Message.Body)
		}
	}

	// Cc行和提交作者都出现在封面信的抄送中
	cc := strings.Join(cover.Cc, ",")
	if !strings.Contains(cc, "carol@example.com") || !strings.Contains(cc, "alice@example.com") {
		t.Errorf("cover cc = %v", cover.Cc)
	}
}

func TestComposeSeriesRerollThreading(t *testing.T) {
	c := newTestComposer()

	v1 := c.ComposeSeries(seriesInput(1, "Fix"))[0].Message

	in2 := seriesInput(2, "Fix", "Test")
	in2.PreviousCover = v1.MessageID
	in2.References = []string{v1.MessageID}
	v2 := c.ComposeSeries(in2)[0].Message

	in3 := seriesInput(3, "Fix", "Test")
	in3.PreviousCover = v2.MessageID
	in3.References = []string{v1.MessageID, v2.MessageID}
	v3emails := c.ComposeSeries(in3)
	v3 := v3emails[0].Message

	if v2.InReplyTo != v1.MessageID {
		t.Errorf("v2 cover In-Reply-To = %q, want v1 cover %q", v2.InReplyTo, v1.MessageID)
	}
	if v3.InReplyTo != v2.MessageID {
		t.Errorf("v3 cover In-Reply-To = %q, want v2 cover %q", v3.InReplyTo, v2.MessageID)
	}
	if strings.Join(v3.References, " ") != v1.MessageID+" "+v2.MessageID {
		t.Errorf("v3 references = %v", v3.References)
	}
	if !strings.HasPrefix(v3.Subject, "[PATCH v3 0/2]") {
		t.Errorf("v3 subject = %q", v3.Subject)
	}
	last := v3emails[len(v3emails)-1].Message
	if last.References[len(last.References)-1] != v3.MessageID {
		t.Errorf("v3 patch references = %v", last.References)
	}
}

func TestComposeSeriesReusesExistingIDs(t *testing.T) {
	c := newTestComposer()
	in := seriesInput(1, "Fix", "Test")
	in.Existing = map[string]string{KindCover: "<sent-cover@x>", in.Commits[0].SHA: "<sent-p1@x>"}

	emails := c.ComposeSeries(in)
	if emails[0].Message.MessageID != "<sent-cover@x>" || emails[1].Message.MessageID != "<sent-p1@x>" {
		t.Fatalf("existing ids not reused")
	}
	if emails[2].Message.InReplyTo != "<sent-cover@x>" {
		t.Errorf("new patch not threaded under previously sent cover")
	}
}

func TestComposeSeriesBigSeries(t *testing.T) {
	c := newTestComposer()
	c.opts.MaxEmails = 2

	emails := c.ComposeSeries(seriesInput(1, "a", "b", "c"))
	if len(emails) != 1 {
		t.Fatalf("got %d emails, want only the cover letter", len(emails))
	}
	body := emails[0].Message.Body
	if !strings.Contains(body, "too large to send by email") || !strings.Contains(body, "git checkout forge/merge-requests/7") {
		t.Errorf("big series body = %q", body)
	}
}

func TestComposeSeriesSubjectPrefixAndCCFilter(t *testing.T) {
	c := newTestComposer()
	c.opts.CCDomains = []string{"lists.example.com"}
	in := seriesInput(1, "Fix")
	in.SubjectPrefix = "proj"

	emails := c.ComposeSeries(in)
	if emails[0].Message.Subject != "[proj PATCH v1 0/1] Fix bug" {
		t.Errorf("subject = %q", emails[0].Message.Subject)
	}
	if len(emails[1].Message.Cc) != 0 {
		t.Errorf("cc not filtered: %v", emails[1].Message.Cc)
	}
}

func TestComposeCommentKeepsTags(t *testing.T) {
	c := newTestComposer()
	msg := c.ComposeComment(CommentInput{
		ForgeHost:     "gitlab.example.com",
		ListAddress:   "dev@lists.example.com",
		Author:        "bob",
		Body:          "Looks fine to me.\n\nReviewed-by: Bob <bob@example.com>",
		NoteID:        99,
		ParentSubject: "[PATCH v1 1/2] Fix the first half",
		ParentID:      "<p1@x>",
		References:    []string{"<cover@x>"},
	})

	if msg.Subject != "Re: [PATCH v1 1/2] Fix the first half" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.InReplyTo != "<p1@x>" || strings.Join(msg.References, " ") != "<cover@x> <p1@x>" {
		t.Errorf("threading = %q %v", msg.InReplyTo, msg.References)
	}
	if !strings.Contains(msg.Body, "\nReviewed-by: Bob <bob@example.com>\n") {
		t.Errorf("tag not quoted verbatim: %q", msg.Body)
	}
	if msg.Headers[HeaderComment] != "99" {
		t.Errorf("comment header = %q", msg.Headers[HeaderComment])
	}
}

func TestComposeNotice(t *testing.T) {
	c := newTestComposer()
	msg := c.ComposeNotice(NoticeInput{
		To:            []string{"alice@example.com"},
		ParentSubject: "Re: [PATCH 0/3] Feature",
		ParentID:      "<root@x>",
		Reason:        "The series could not be applied.",
		Detail:        "error: patch failed: README:1",
	})
	if msg.Subject != "Re: [PATCH 0/3] Feature" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "  error: patch failed: README:1") {
		t.Errorf("detail not indented: %q", msg.Body)
	}
	if msg.Headers[HeaderNotice] == "" {
		t.Error("notice header missing")
	}
}

func TestWrap(t *testing.T) {
	long := strings.Repeat("word ", 30)
	wrapped := Wrap(long+"\n    indented "+strings.Repeat("x", 80)+"\nSigned-off-by: "+strings.Repeat("y", 80), 72)
	for _, line := range strings.Split(wrapped, "\n") {
		if len(line) > 72 && !strings.HasPrefix(line, "    ") && !strings.HasPrefix(line, "Signed-off-by:") {
			t.Errorf("line too long: %q", line)
		}
	}
	if !strings.Contains(wrapped, "    indented "+strings.Repeat("x", 80)) {
		t.Error("indented line was wrapped")
	}
}

func TestReviewTagsToLabels(t *testing.T) {
	tags := ParseReviewTags("LGTM\nreviewed-by: Bob <bob@example.com>\nTested-by: Carol <c@example.com>\nAcked-by:   Dan <d@example.com>  ")
	if len(tags) != 3 || tags[0].String() != "Reviewed-by: Bob <bob@example.com>" || tags[2].Value != "Dan <d@example.com>" {
		t.Fatalf("tags = %v", tags)
	}
	labels := LabelsForTags(tags)
	if strings.Join(labels, ",") != "Reviewed,Tested,Acked" {
		t.Errorf("labels = %v", labels)
	}
}
