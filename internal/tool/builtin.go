package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Builtins returns the stock tools. They are intentionally small; real
// deployments register their own alongside or instead of these.
func Builtins() []Tool {
	return []Tool{
		CurrentDatetime(),
		Calculator(),
		KnowledgeBase(nil),
	}
}

// CurrentDatetime reports the current date and time. The model calls it for
// "what time is it" style questions instead of guessing.
func CurrentDatetime() Tool {
	return FuncTool{
		ToolName:        "get_current_datetime",
		ToolDescription: "Returns the current date and time. Use when the user asks for today's date or the current time.",
		Schema:          json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Fn: func(_ context.Context, _ json.RawMessage) (string, error) {
			return time.Now().Format("02/01/2006 at 15:04:05"), nil
		},
	}
}

type calculatorInput struct {
	Expression string `json:"expression"`
}

// Calculator evaluates basic arithmetic expressions. Input is parsed by a
// small recursive-descent evaluator; nothing is ever passed to an
// interpreter.
func Calculator() Tool {
	return FuncTool{
		ToolName:        "calculate",
		ToolDescription: "Evaluates a basic arithmetic expression with +, -, *, /, %, and parentheses. Example: \"(2 + 3) * 4\".",
		Schema: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string","description":"The arithmetic expression to evaluate"}},"required":["expression"]}`),
		Fn: func(_ context.Context, input json.RawMessage) (string, error) {
			var in calculatorInput
			if err := json.Unmarshal(input, &in); err != nil {
				return "", fmt.Errorf("tool: calculate: invalid input: %w", err)
			}
			result, err := evalExpression(in.Expression)
			if err != nil {
				return "", fmt.Errorf("tool: calculate: %w", err)
			}
			return "Result: " + strconv.FormatFloat(result, 'f', -1, 64), nil
		},
	}
}

type knowledgeBaseInput struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
}

// KnowledgeBase searches a canned fact table. Pass nil to use the demo data;
// deployments supply their own entries keyed by category.
func KnowledgeBase(entries map[string]map[string]string) Tool {
	if entries == nil {
		entries = map[string]map[string]string{
			"products": {
				"price":    "Prices range from $50 to $500 depending on the product.",
				"shipping": "We ship nationwide within 10 business days.",
				"warranty": "All products carry a 12 month warranty.",
			},
			"policies": {
				"exchange": "Exchanges are accepted up to 30 days after purchase.",
				"refund":   "Refunds are processed within 5 business days.",
				"privacy":  "Customer data is handled per our privacy policy.",
			},
			"faq": {
				"hours":   "Support is available Monday to Friday, 9am to 6pm.",
				"contact": "You can reach us at support@example.com.",
				"payment": "We accept credit card, bank transfer and instant payment.",
			},
		}
	}
	return FuncTool{
		ToolName:        "search_knowledge_base",
		ToolDescription: "Searches the knowledge base for product info, company policies and FAQs. Optionally restrict to a category (products, policies, faq).",
		Schema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search term"},"category":{"type":"string","description":"Optional category to search in"}},"required":["query"]}`),
		Fn: func(_ context.Context, input json.RawMessage) (string, error) {
			var in knowledgeBaseInput
			if err := json.Unmarshal(input, &in); err != nil {
				return "", fmt.Errorf("tool: search_knowledge_base: invalid input: %w", err)
			}
			query := strings.ToLower(strings.TrimSpace(in.Query))

			categories := make([]string, 0, len(entries))
			if in.Category != "" {
				categories = append(categories, in.Category)
			} else {
				for cat := range entries {
					categories = append(categories, cat)
				}
			}

			var results []string
			for _, cat := range categories {
				for key, value := range entries[cat] {
					if strings.Contains(strings.ToLower(key), query) ||
						strings.Contains(strings.ToLower(value), query) {
						results = append(results, fmt.Sprintf("[%s] %s", strings.ToUpper(cat), value))
					}
				}
			}
			if len(results) == 0 {
				return "No information found for: " + in.Query, nil
			}
			return strings.Join(results, "\n"), nil
		},
	}
}

// evalExpression evaluates + - * / % with parentheses and unary minus over
// float64, standard precedence.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	v, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if !unicode.IsDigit(c) && c != '.' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("expected a number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}
