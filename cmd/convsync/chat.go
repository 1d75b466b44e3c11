package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/store"
)

func init() {
	messagesCmd.Flags().Int64("before", -1, "load the page ending at this message index")
	messagesCmd.Flags().Int("max", 30, "page size")
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd)
}

// printConversations lists the cached conversations, most recent first.
func printConversations(s *session) error {
	convs, err := s.store.Conversations(store.Query[model.Conversation]{Less: model.ConversationLess})
	if err != nil {
		return fmt.Errorf("failed to read conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, c := range convs {
		name := valueOrDefault(c.FriendlyName, c.Sid)
		flags := ""
		if c.IsMuted() {
			flags = " [muted]"
		}
		if c.UnreadCount > 0 {
			flags += fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		when := ""
		if d := c.EffectiveDate(); !d.IsZero() {
			when = humanize.Time(d)
		}
		fmt.Printf("%-36s %-30s %-16s%s\n", c.Sid, name, when, flags)
	}
	return nil
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "Refresh and list conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := s.engine.Conversations.LoadAll(ctx); err != nil {
			fmt.Printf("Refresh failed, showing cached list: %v\n", err)
		}
		return printConversations(s)
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-sid>",
	Short: "Load and print a page of messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		before, _ := cmd.Flags().GetInt64("before")
		pageSize, _ := cmd.Flags().GetInt("max")

		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()

		sub, err := s.engine.Messages.Subscribe(conv)
		if err != nil {
			return err
		}
		defer sub.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if before >= 0 {
			_, err = s.engine.Messages.LoadPageBefore(ctx, conv, before, pageSize)
		} else {
			_, err = s.engine.Messages.LoadLastPage(ctx, conv, pageSize)
		}
		if err != nil {
			fmt.Printf("Load failed, showing cached messages: %v\n", err)
		}

		msgs, err := s.store.Messages(conv, store.Query[model.Message]{Less: model.MessageLess})
		if err != nil {
			return fmt.Errorf("failed to read messages: %w", err)
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m model.Message) {
	index := "-"
	if m.HasIndex() {
		index = fmt.Sprint(m.IndexValue())
	}
	body := m.BodyText()
	if m.Type == model.MessageTypeMedia {
		body = fmt.Sprintf("[media %s, %s]", valueOrDefault(m.MediaFileName, m.MediaSid), humanize.Bytes(uint64(m.TotalBytes)))
	}
	var status string
	if m.Direction == model.DirectionOutgoing && m.SendStatus != model.SendStatusSent {
		status = " (" + string(m.SendStatus) + ")"
	}
	var reactions []string
	for _, k := range m.Reactions.Kinds() {
		reactions = append(reactions, fmt.Sprintf("%s%d", k.Symbol(), len(m.Reactions.Participants(k))))
	}
	line := fmt.Sprintf("%5s %-12s %s%s", index, m.Author, body, status)
	if len(reactions) > 0 {
		line += "  " + strings.Join(reactions, " ")
	}
	fmt.Println(line)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-sid> <text>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		p, err := s.engine.Messages.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if err := p.Wait(ctx); err != nil {
			return fmt.Errorf("message %s not sent: %w", p.UUID, err)
		}
		fmt.Printf("Sent %s\n", p.UUID)
		return nil
	},
}
