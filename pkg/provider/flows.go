package provider

import (
	"fmt"
	"strings"

	"github.com/entrhq/relay/pkg/types"
)

// Model ID prefixes of the public catalog.
const (
	AnthropicPrefix = "aipi/anthropic/"
	OpenAIPrefix    = "aipi/openai/"
)

var googleFailureURLs = []string{
	"https://accounts.google.com/**rejected**",
	"https://accounts.google.com/**/challenge/{totp,ipp,sk,az,iap,dp,ootp}**",
	"https://accounts.google.com/**/deniedsigninrejected**",
}

// nextButtonLabels covers the Google "Next" button in the locales seen in practice.
var nextButtonLabels = []string{
	"Next", "Suivant", "Próximo", "Siguiente", "Weiter", "Dalej", "다음", "次へ",
	"下一步", "Далее", "Volgende", "Nästa", "Avanti", "İleri", "Tiếp theo",
	"ถัดไป", "التالي", "הבא", "Berikutnya",
}

var continueButtonLabels = []string{
	"Continue", "Continuer", "Continuar", "Weiter", "Dalej", "계속", "続行", "继续",
	"Продолжить", "Doorgaan", "Fortsätt", "Continua", "Devam", "Tiếp tục",
	"ดำเนินการต่อ", "متابعة", "המשך", "Lanjutkan",
}

func hasTextSelector(tag string, labels []string, fallback string) string {
	parts := make([]string, 0, len(labels)+1)
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf(`%s:has-text("%s")`, tag, label))
	}
	parts = append(parts, fallback)
	return strings.Join(parts, ", ")
}

func googleSelectors(button string) FederatedSelectors {
	next := hasTextSelector("button", nextButtonLabels, `button[jsname="LgbsSe"]`)
	return FederatedSelectors{
		Button:         button,
		IdentityInput:  `input[type="email"]`,
		IdentityNext:   next,
		SecretInput:    `input[type="password"]`,
		SecretNext:     next,
		ContinueButton: hasTextSelector("button", continueButtonLabels, `div[role="button"][jsname="LgbsSe"]`),
	}
}

// Claude returns the claude.ai flow.
func Claude() *Flow {
	return &Flow{
		Provider:   types.ProviderClaude,
		LoginURL:   "https://claude.ai/login",
		NewChatURL: "https://claude.ai/new",
		AuthenticatedURLs: []string{
			"https://claude.ai/chat**",
			"https://claude.ai/new**",
			"https://claude.ai/recents**",
			"https://claude.ai/project/**",
		},
		LoginURLs:   []string{"https://claude.ai/login**", "https://claude.ai/logout**"},
		FailureURLs: googleFailureURLs,
		Federated:   googleSelectors(`button:has-text("Continue with Google")`),
		Direct: DirectSelectors{
			IdentityInput: `input[type="email"]`,
			SecretInput:   `input[type="password"]`,
			Submit:        `button[type="submit"]`,
		},
		Chat: ChatSelectors{
			PromptInput: `div[contenteditable="true"], textarea[placeholder="Message Claude..."]`,
			SubmitKey:   "Enter",
			Response:    `.font-claude-message, .claude-response`,
			Complete:    `[data-is-streaming="false"], .response-complete-indicator`,
			LoggedOut:   `button:has-text("Continue with Google"), input[type="email"]`,
			ModelMenu:   `button[data-testid="model-selector-dropdown"], button[aria-label="Select Model"]`,
		},
		Models: []Model{
			{ID: AnthropicPrefix + "claude-3.5-sonnet", DisplayName: "Claude 3.5 Sonnet", Selector: `button[aria-label='Claude 3.5 Sonnet']`},
			{ID: AnthropicPrefix + "claude-3-opus", DisplayName: "Claude 3 Opus", Selector: `button[aria-label='Claude 3 Opus']`},
			{ID: AnthropicPrefix + "claude-3-haiku", DisplayName: "Claude 3 Haiku", Selector: `button[aria-label='Claude 3 Haiku']`},
		},
	}
}

// ChatGPT returns the chatgpt.com flow.
func ChatGPT() *Flow {
	return &Flow{
		Provider:   types.ProviderChatGPT,
		LoginURL:   "https://chatgpt.com/auth/login",
		NewChatURL: "https://chatgpt.com/",
		AuthenticatedURLs: []string{
			"https://chatgpt.com/",
			"https://chatgpt.com/?*",
			"https://chatgpt.com/c/**",
			"https://chat.openai.com/",
			"https://chat.openai.com/c/**",
		},
		LoginURLs: []string{
			"https://chatgpt.com/auth/**",
			"https://chat.openai.com/auth/**",
			"https://auth.openai.com/**",
		},
		FailureURLs: googleFailureURLs,
		Federated:   googleSelectors(`button:has-text("Continue with Google")`),
		Direct: DirectSelectors{
			IdentityInput: `input[type="email"]`,
			SecretInput:   `input[type="password"]`,
			Submit:        `button[type="submit"]`,
		},
		Chat: ChatSelectors{
			PromptInput: `#prompt-textarea, textarea[placeholder="Send a message"]`,
			SubmitKey:   "Enter",
			Response:    `[data-message-author-role="assistant"] .markdown, .markdown`,
			Complete:    `button[data-testid="send-button"], .response-complete-indicator`,
			LoggedOut:   `button[data-testid="login-button"]`,
			ModelMenu:   `button[aria-label="Model selector"]`,
		},
		Models: []Model{
			{ID: OpenAIPrefix + "gpt-4", DisplayName: "GPT-4", Selector: `button[aria-label='GPT-4']`},
			{ID: OpenAIPrefix + "gpt-3.5-turbo", DisplayName: "GPT-3.5", Selector: `button[aria-label='GPT-3.5']`},
		},
	}
}
