package config

// ProviderConfig はOAuthプロバイダー（Google）の認証情報。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// AuthMode は認証モードを表すタグ付きバリアント。
// Disabled（IdP未設定、匿名フォールバック）とEnabled(ProviderConfig)のいずれか。
type AuthMode struct {
	provider *ProviderConfig
}

// AuthDisabled はIdPを使わない匿名フォールバックモードを返す。
func AuthDisabled() AuthMode {
	return AuthMode{}
}

// AuthEnabled は指定プロバイダーで認証するモードを返す。
func AuthEnabled(provider ProviderConfig) AuthMode {
	return AuthMode{provider: &provider}
}

// Enabled はIdPが設定されている場合にtrueを返す。
func (m AuthMode) Enabled() bool {
	return m.provider != nil
}

// Provider はEnabledの場合にプロバイダー設定を返す。
func (m AuthMode) Provider() (ProviderConfig, bool) {
	if m.provider == nil {
		return ProviderConfig{}, false
	}
	return *m.provider, true
}

// String はログ出力用のモード名を返す。
func (m AuthMode) String() string {
	if m.Enabled() {
		return "enabled"
	}
	return "disabled"
}
