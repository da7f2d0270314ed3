package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

const DefaultClassName = "DocumentChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			Name:         "ownerId",
			DataType:     []string{"text"},
			Tokenization: "field", // exact match
		},
		{
			Name:         "documentId",
			DataType:     []string{"text"},
			Tokenization: "field",
		},
		{
			Name:     "chunkIndex",
			DataType: []string{"int"},
		},
		{
			Name:         "filename",
			DataType:     []string{"text"},
			Tokenization: "field",
		},
		{
			Name:         "mediaType",
			DataType:     []string{"text"},
			Tokenization: "field",
		},
		{
			Name:     "createdAt",
			DataType: []string{"date"},
		},
	}
}

// EnsureSchema creates the chunk class with cosine distance if it is absent,
// and adds any missing properties to an existing one.
func EnsureSchema(ctx context.Context, client SchemaClient, className string) error {
	if className == "" {
		className = DefaultClassName
	}
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	properties := chunkProperties()

	if !exists {
		class := &models.Class{
			Class:             className,
			Description:       "A chunk of an uploaded document",
			Vectorizer:        "none",
			VectorIndexConfig: map[string]interface{}{"distance": "cosine"},
			Properties:        properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}
