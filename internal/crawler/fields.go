package crawler

// Field names one canonical product attribute.
type Field string

// Canonical product fields.
const (
	FieldName        Field = "name"
	FieldSKU         Field = "sku"
	FieldPrice       Field = "price"
	FieldCurrency    Field = "currency"
	FieldMeasureUnit Field = "measure_unit"
	FieldMainImage   Field = "main_image"
	FieldDescription Field = "description"
	FieldProperties  Field = "properties"
	FieldKeywords    Field = "keywords"
)

// Placeholder marks a value that could not be produced.
const Placeholder = "N/A"

// Schema lists the located fields in extraction order. Keywords are derived
// from the description afterwards and never have a locator of their own.
var Schema = []Field{
	FieldName,
	FieldSKU,
	FieldPrice,
	FieldCurrency,
	FieldMeasureUnit,
	FieldMainImage,
	FieldDescription,
	FieldProperties,
}

// Known reports whether f is part of the product payload.
func (f Field) Known() bool {
	if f == FieldKeywords {
		return true
	}
	for _, s := range Schema {
		if s == f {
			return true
		}
	}
	return false
}
