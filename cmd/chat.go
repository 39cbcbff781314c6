package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore"
)

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Publish your member profile",
	Long: `Publish your member profile and list yourself in the member directory.

Examples:
  tendril register alice
  tendril register alice --avatar https://example.com/alice.png`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		avatar, _ := cmd.Flags().GetString("avatar")
		return runRegister(cmd.Context(), args[0], avatar)
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile [agent]",
	Short: "Show a member profile (yours by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agent string
		if len(args) == 1 {
			agent = args[0]
		}
		return runProfile(cmd.Context(), agent)
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a public conversation",
	Long: `Start a public conversation. Starting one with the same name and
description as an existing conversation reuses it.

Examples:
  tendril start general --desc "Anything goes"
  tendril start ops --members <agent>,<agent>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("desc")
		members, _ := cmd.Flags().GetString("members")
		return runStart(cmd.Context(), args[0], desc, members)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <conversation>",
	Short: "Join a public conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), args[0])
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List public conversations",
	RunE:    func(cmd *cobra.Command, args []string) error { return runConversations(cmd.Context()) },
}

var membersCmd = &cobra.Command{
	Use:   "members <conversation>",
	Short: "List the members of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMembers(cmd.Context(), args[0])
	},
}

var postCmd = &cobra.Command{
	Use:   "post <conversation> <text>",
	Short: "Post a message",
	Long: `Post a message to a conversation. The message is linked after your
previous message and the newest message you can see.

Examples:
  tendril post <conversation> "hello everyone"
  tendril post <conversation> "see attached" --type file --meta '{"name":"a.txt"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgType, _ := cmd.Flags().GetString("type")
		meta, _ := cmd.Flags().GetString("meta")
		return runPost(cmd.Context(), args[0], chat.MessageSpec{MessageType: msgType, Payload: args[1], Meta: meta})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "Show messages in causal order",
	Long: `Show messages oldest first. Use --since with a message address to page
forward and --limit to cap how many are shown.

Examples:
  tendril messages <conversation>
  tendril messages <conversation> --since <message> --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		return runMessages(cmd.Context(), args[0], since, limit)
	},
}

func init() {
	registerCmd.Flags().String("avatar", "", "Avatar URL")
	startCmd.Flags().String("desc", "", "Conversation description")
	startCmd.Flags().String("members", "", "Comma-separated agent addresses to add")
	postCmd.Flags().String("type", "text", "Message type")
	postCmd.Flags().String("meta", "", "Opaque metadata string")
	messagesCmd.Flags().String("since", "", "Show messages after this message address")
	messagesCmd.Flags().Int("limit", 0, "Maximum messages to show (0 = all)")
}

func runRegister(ctx context.Context, name, avatar string) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	addr, err := sess.chat.Register(ctx, name, avatar)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Registered %s\n", name)
	fmt.Printf("Agent: %s\n", addr)
	return nil
}

func runProfile(ctx context.Context, agent string) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	var p *chat.Profile
	if agent == "" {
		p, err = sess.chat.GetMyMemberProfile(ctx)
	} else {
		p, err = sess.chat.GetMemberProfile(ctx, edgestore.Address(agent))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Name: %s\n", p.Name)
	if p.AvatarURL != "" {
		fmt.Printf("Avatar: %s\n", p.AvatarURL)
	}
	fmt.Printf("Agent: %s\n", p.Address)
	return nil
}

func splitAddresses(s string) []edgestore.Address {
	var out []edgestore.Address
	for _, part := range strings.Split(s, ",") {
		if a := strings.TrimSpace(part); a != "" {
			out = append(out, edgestore.Address(a))
		}
	}
	return out
}

func runStart(ctx context.Context, name, desc, members string) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	addr, err := sess.chat.StartConversation(ctx, name, desc, splitAddresses(members))
	if err != nil {
		return err
	}
	fmt.Printf("✅ Started %s\n", name)
	fmt.Printf("Conversation: %s\n", addr)
	return nil
}

func runJoin(ctx context.Context, conv string) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.chat.JoinConversation(ctx, edgestore.Address(conv)); err != nil {
		return err
	}
	fmt.Println("✅ Joined.")
	return nil
}

func runConversations(ctx context.Context) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	convs, err := sess.chat.ListPublicConversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No public conversations yet.")
		return nil
	}
	for _, c := range convs {
		fmt.Printf("%s  %s", c.Address, c.Conversation.Name)
		if c.Conversation.Description != "" {
			fmt.Printf(" - %s", c.Conversation.Description)
		}
		fmt.Println()
	}
	return nil
}

func runMembers(ctx context.Context, conv string) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	members, err := sess.chat.GetMembers(ctx, edgestore.Address(conv))
	if err != nil {
		return err
	}
	for _, m := range members {
		name := ""
		if p, err := sess.chat.GetMemberProfile(ctx, m); err == nil {
			name = p.Name
		}
		fmt.Printf("%s  %s\n", m, name)
	}
	return nil
}

func runPost(ctx context.Context, conv string, spec chat.MessageSpec) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	addr, err := sess.chat.PostMessage(ctx, edgestore.Address(conv), spec)
	if err != nil {
		return err
	}
	fmt.Printf("Message: %s\n", addr)
	return nil
}

func runMessages(ctx context.Context, conv, since string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	page, err := sess.chat.GetMessages(ctx, edgestore.Address(conv), edgestore.Address(since), limit)
	if err != nil {
		return err
	}
	for _, m := range page.Messages {
		ts := time.UnixMilli(int64(m.Message.Timestamp)).Format("2006-01-02 15:04")
		fmt.Printf("%s  %s  %s  %s\n", m.Address, ts, m.Message.Author.Short(), m.Message.Payload)
	}
	if page.More && len(page.Messages) > 0 {
		last := page.Messages[len(page.Messages)-1].Address
		fmt.Printf("… more (use --since %s)\n", last)
	}
	return nil
}
