package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"edu-llm/internal/config"
	"edu-llm/internal/db"
	"edu-llm/internal/llm"
	"edu-llm/internal/repository"
)

// courseEntry es el formato de entrada del archivo de cursos.
type courseEntry struct {
	CourseID    string `json:"course_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Level       string `json:"level"`
}

// Indexa resumenes de cursos en el almacen vectorial: embebe titulo y
// descripcion en lote y hace upsert por curso. El servicio de catalogo
// llama al mismo repositorio cuando un curso cambia.
func main() {
	file := flag.String("file", "", "archivo JSON con los cursos a indexar")
	deleteID := flag.String("delete", "", "id de curso a eliminar del indice")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	courseRepo := repository.NewPgCourseVectorRepository(pool)

	if *deleteID != "" {
		if err := courseRepo.Delete(ctx, *deleteID); err != nil {
			log.Fatalf("delete course %s: %v", *deleteID, err)
		}
		fmt.Printf("curso %s eliminado del indice\n", *deleteID)
		return
	}

	if *file == "" {
		log.Fatal("usage: course_index -file cursos.json | -delete course_id")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal(err)
	}

	var courses []courseEntry
	if err := json.Unmarshal(data, &courses); err != nil {
		log.Fatalf("parse %s: %v", *file, err)
	}
	if len(courses) == 0 {
		fmt.Println("nada que indexar")
		return
	}

	embedder := llm.NewOpenAIEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbedModel, cfg.EmbedDimension, logger)

	texts := make([]string, len(courses))
	for i, c := range courses {
		texts[i] = c.Title + "\n" + c.Description
	}

	// El lote degrada por elemento a un vector cero; esos cursos quedan
	// indexados pero sin señal semantica hasta la proxima pasada.
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		log.Fatalf("embed batch: %v", err)
	}

	indexed := 0
	for i, c := range courses {
		payload := repository.CoursePayload{
			Title:       c.Title,
			Description: c.Description,
			Level:       c.Level,
		}
		if err := courseRepo.Upsert(ctx, c.CourseID, pgvector.NewVector(vectors[i]), payload); err != nil {
			logger.Warn("upsert failed", zap.String("course_id", c.CourseID), zap.Error(err))
			continue
		}
		indexed++
	}

	fmt.Printf("%d/%d cursos indexados\n", indexed, len(courses))
}
