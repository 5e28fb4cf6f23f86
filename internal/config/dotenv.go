package config

import "github.com/joho/godotenv"

// loadDotenv loads a .env file if one exists. Missing file is not an error.
func loadDotenv() {
	_ = godotenv.Load()
}
