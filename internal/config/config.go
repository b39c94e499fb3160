package config

import "github.com/caarlos0/env/v10"

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	LLMAPIKey  string `env:"LLM_API_KEY,required"`
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`

	EmbedModel     string `env:"EMBED_MODEL" envDefault:"text-embedding-3-small"`
	EmbedDimension int    `env:"EMBED_DIMENSION" envDefault:"1536"`

	DBMaxConns int32 `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns int32 `env:"DB_MIN_CONNS" envDefault:"1"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	ChatPerMinute int `env:"CHAT_RATE_PER_MINUTE" envDefault:"20"`
	ChatPerHour   int `env:"CHAT_RATE_PER_HOUR" envDefault:"100"`

	SessionRetentionDays int `env:"SESSION_RETENTION_DAYS" envDefault:"30"`
	SweepIntervalMinutes int `env:"SWEEP_INTERVAL_MINUTES" envDefault:"10"`

	GeneralSystemPrompt string `env:"GENERAL_SYSTEM_PROMPT" envDefault:"Eres el asistente de la plataforma de cursos. Responde de forma clara, breve y amable a dudas sobre estudio y la plataforma."`
	FallbackBotMessage  string `env:"FALLBACK_BOT_MESSAGE" envDefault:"Lo siento, tuve un problema generando la respuesta. Por favor intenta de nuevo en unos momentos."`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
