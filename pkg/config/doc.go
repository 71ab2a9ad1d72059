// Package config provides application configuration management from environment variables.
//
// A .env file in the working directory is loaded first (existing variables win),
// then every setting is read from CHATQUOTA_* variables with defaults.
//
// Required:
//
//	CHATQUOTA_POSTGRES_URL="postgres://localhost/chatquota"
//	CHATQUOTA_ASAAS_API_KEY="aact_..."
//	CHATQUOTA_ASAAS_WEBHOOK_TOKEN="shared secret configured in the Asaas panel"
//	CHATQUOTA_CHAT_API_KEY="key used by the chat gateway"
//
// Optional:
//
//	CHATQUOTA_PORT="8080"
//	CHATQUOTA_REDIS_URL="redis://localhost:6379/0"
//	CHATQUOTA_ASAAS_BASE_URL="https://sandbox.asaas.com/api/v3"
//	CHATQUOTA_ASAAS_TIMEOUT="30s"
//	CHATQUOTA_SITE_URL="https://multibpo.com.br"
//	CHATQUOTA_VERIFICATION_TOKEN_LIFETIME="1h"
//	CHATQUOTA_VERIFICATION_URL="https://multibpo.com.br/verificar-email"
//	CHATQUOTA_ARCHIVE_S3_BUCKET="chatquota-webhooks"
//	CHATQUOTA_SETTINGS_FILE="/etc/chatquota/settings.yaml"
//	CHATQUOTA_LOG_LEVEL="info"
//	CHATQUOTA_OTEL_ENABLED="true"
//
// Runtime business settings (tier limits, price, upgrade URLs) are not read
// here; see pkg/settings.
package config
