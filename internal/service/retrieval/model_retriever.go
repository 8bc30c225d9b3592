package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// ModelRetriever 在没有独立检索服务时，使用大模型生成简短的背景知识。
type ModelRetriever struct {
	chain compose.Runnable[map[string]any, *schema.Message]
	topK  int
}

var _ retriever.Retriever = (*ModelRetriever)(nil)

// NewModelRetriever compiles a prompt -> chat model chain.
func NewModelRetriever(ctx context.Context, chatModel model.ChatModel, topK int) (*ModelRetriever, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(knowledgeSystemPrompt),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile knowledge chain: %w", err)
	}
	return &ModelRetriever{chain: runnable, topK: topK}, nil
}

// Retrieve implements retriever.Retriever.
func (r *ModelRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}

	msg, err := r.chain.Invoke(ctx, map[string]any{
		"query": strings.TrimSpace(query),
		"top_k": topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run knowledge chain: %w", err)
	}
	if msg == nil {
		return nil, nil
	}

	facts := splitFacts(msg.Content, topK)
	docs := make([]*schema.Document, 0, len(facts))
	for i, fact := range facts {
		doc := &schema.Document{ID: strconv.Itoa(i), Content: fact}
		docs = append(docs, doc.WithScore(1-float64(i)/float64(len(facts)+1)))
	}
	return docs, nil
}

// splitFacts 按行拆分模型输出，去掉列表编号。
func splitFacts(content string, limit int) []string {
	var facts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.、) ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		facts = append(facts, line)
		if len(facts) == limit {
			break
		}
	}
	return facts
}

const knowledgeSystemPrompt = "你是一个领域知识助手。针对用户的问题，给出最多 {top_k} 条简短、可核实的事实，每条一行，不要寒暄，不要编号以外的多余文本。不确定时宁可少写。"
